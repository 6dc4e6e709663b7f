package llm

import (
	"fmt"
	"strings"

	"github.com/keithlinneman/sitegen/internal/task"
)

// AllowedFiles is the fixed set of output file names permitted on a fresh
// build. The update path instead restricts output to files already present
// in the repository.
var AllowedFiles = []string{"index.html", "styles.css", "script.js", "README.md"}

const updateSystemPreamble = "You are a professional web developer with years of experience."

// FreshPrompt builds the prompt for a brand-new site.
func FreshPrompt(brief string, checks []string, attachments []task.Attachment) string {
	var b strings.Builder

	b.WriteString("You are an expert full-stack web developer with years of experience building clean, production-grade applications.\n\n")
	b.WriteString("Based on the following task brief, generate only the complete and functional code required, limited to:\n")
	for _, f := range AllowedFiles {
		fmt.Fprintf(&b, "- `%s`\n", f)
	}
	b.WriteString("\nDo NOT create any extra files unless they are explicitly required by the task.\n\n")

	b.WriteString("### TASK ###\n")
	b.WriteString(brief)
	b.WriteString("\n")
	b.WriteString(attachmentsSection(attachments))
	b.WriteString(checksSection(checks))

	b.WriteString(`
### README REQUIREMENTS ###
The README.md file must:
1. Be a pure Markdown file (not HTML).
2. Contain professional and structured documentation including:
   - Project Overview
   - Features
   - Setup Instructions
   - Usage Guide
   - Code Structure
   - License (MIT)
3. Use Markdown syntax only, with no embedded HTML or JavaScript.
4. Be saved as a file named exactly README.md.

### OUTPUT RULES ###
- Output only code blocks, nothing else.
- Each file must start with ` + "```" + `filename.ext and end with ` + "```" + ` exactly.
- Filenames must be one of: index.html, styles.css, script.js, or README.md.
- Do NOT output or reference any other filenames.
- Do NOT include explanations or text outside the code blocks.
- Keep all filenames lowercase and consistent.
`)

	return b.String()
}

// UpdatePrompt builds the prompt for an incremental update. The full current
// content of every existing file is included, each delimited by its path, so
// the model edits in place instead of rebuilding.
func UpdatePrompt(brief string, checks []string, attachments []task.Attachment, existing *task.FileSet) string {
	var b strings.Builder

	b.WriteString("You are an experienced full-stack web developer responsible for updating an existing production-grade web application.\n\n")
	b.WriteString("Your goal is to modify only the necessary parts of the existing codebase based on the update instructions below, without rebuilding the project or changing its structure.\n\n")

	b.WriteString("### EXISTING CODEBASE ###\n")
	b.WriteString("Below are all files currently in the application. Each file is separated by its filename header. Review all code carefully before making changes.\n\n")
	_ = existing.Each(func(name, content string) error {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", name, content)
		return nil
	})

	b.WriteString("\n### UPDATE INSTRUCTIONS ###\n")
	b.WriteString(brief)
	b.WriteString("\n")
	b.WriteString(attachmentsSection(attachments))
	b.WriteString(checksSection(checks))

	b.WriteString(`
### RULES ###
- Do NOT create new files unless the update instructions explicitly require it.
- Use the exact same filenames as shown above.
- Preserve all existing functionality, layout, and design unless specifically asked to modify.
- Keep the project structure identical (same folders, same file names).
- Update only the relevant sections of each file; do not rewrite a whole file if not needed.
- Ensure the updated code remains clean, functional, and error-free.
- Always update the README.md file to accurately describe the new changes and reflect the current version.
- Keep README.md strictly in Markdown format (no HTML or JS).
- Return the output as only valid code blocks:
- Each code block must start with ` + "```" + `filename.ext and end with ` + "```" + ` exactly.
- Do NOT include any text, explanation, or markdown outside code blocks.
- Filenames must match exactly one of the existing ones.
- Maintain consistent indentation and formatting.
- Ensure compatibility between updated files (e.g., JS selectors match HTML elements).
`)

	return b.String()
}

// checksSection renders evaluation checks as guidance. The model is told to
// implement what the checks imply, never to reproduce them verbatim.
func checksSection(checks []string) string {
	if len(checks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n### EVALUATION CHECKS ###\n")
	b.WriteString("The following checks describe how your generated application will be automatically evaluated.\n")
	b.WriteString("You MUST implement all features, behaviors, and conditions implied by these checks.\n")
	b.WriteString("Do not rewrite or repeat these checks in the output.\n")
	b.WriteString("Use them only to guide your implementation and ensure the final app passes them successfully.\n")
	for _, c := range checks {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return b.String()
}

// attachmentsSection lists caller-supplied reference inputs. Attachment
// content is never inlined into generated files; a brief-specified input
// source always wins over attachments.
func attachmentsSection(attachments []task.Attachment) string {
	if len(attachments) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n### ATTACHMENTS ###\n")
	b.WriteString("The following sample files are provided as reference inputs for your task.\n\n")
	for _, a := range attachments {
		fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.URL)
	}
	b.WriteString(`
- Each attachment URL is base64-encoded or embedded data.
- Use these attachments only when the task brief does NOT provide a direct input (e.g., a ?url parameter).
- If the task brief mentions its own file or input, prefer that instead.
- Do NOT reproduce the attachment content in your output; just reference it logically in your generated code.
- If the app requires an image or data source, default to these attachments where applicable.
`)
	return b.String()
}
