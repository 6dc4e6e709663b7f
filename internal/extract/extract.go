// Package extract parses raw model output into a set of named files.
//
// The generation prompt asks for nothing but fenced code blocks of the form
// ```filename.ext\n...``` but model output drifts, so this package tolerates
// unnamed fences and falls back to a single synthetic file when no fences are
// present at all.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/keithlinneman/sitegen/internal/task"
)

// fenceRe captures an optional filename token after the opening fence and the
// body up to the closing fence.
var fenceRe = regexp.MustCompile("(?s)```(?:([\\w.\\-/]+)?\\n)?(.*?)```")

// fallbackRule maps a brief keyword to a default filename when the output has
// no fenced blocks. Rules are evaluated in order; first match wins.
type fallbackRule struct {
	keywords []string
	name     string
}

var fallbackRules = []fallbackRule{
	{[]string{"javascript", "js"}, "script.js"},
	{[]string{"css", "style"}, "style.css"},
	{[]string{"python", "py"}, "app.py"},
	{[]string{"html", "web page", "website"}, "index.html"},
}

// Files extracts fenced code blocks from raw model output.
//
// A fence whose filename token contains a dot is used verbatim as the file
// name. Unnamed fences are assigned file_<n>.html with n counting unnamed
// fences from 1. Bodies have leading and trailing whitespace trimmed;
// duplicate names keep the last body.
//
// When raw contains no fences but is non-empty, the whole trimmed output
// becomes a single file whose name is picked by keyword inspection of the
// brief (output.txt when nothing matches).
func Files(raw, brief string) *task.FileSet {
	out := task.NewFileSet()

	unnamed := 0
	for _, m := range fenceRe.FindAllStringSubmatch(raw, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" || !strings.Contains(name, ".") {
			unnamed++
			name = fmt.Sprintf("file_%d.html", unnamed)
		}
		out.Set(name, strings.TrimSpace(m[2]))
	}

	if out.Len() == 0 && strings.TrimSpace(raw) != "" {
		out.Set(fallbackName(brief), strings.TrimSpace(raw))
	}

	return out
}

func fallbackName(brief string) string {
	lower := strings.ToLower(brief)
	for _, r := range fallbackRules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.name
			}
		}
	}
	return "output.txt"
}
