package task

// FileSet is an insertion-ordered mapping of relative file path to full text
// content. Order matters for publishing (each file write is its own commit,
// and the last successful write's commit wins), so a plain map won't do.
type FileSet struct {
	names    []string
	contents map[string]string
}

// NewFileSet returns an empty FileSet.
func NewFileSet() *FileSet {
	return &FileSet{contents: make(map[string]string)}
}

// Set adds or replaces a file. A replaced file keeps its original position;
// last write wins on content.
func (fs *FileSet) Set(name, content string) {
	if fs.contents == nil {
		fs.contents = make(map[string]string)
	}
	if _, ok := fs.contents[name]; !ok {
		fs.names = append(fs.names, name)
	}
	fs.contents[name] = content
}

// Get returns the content for name and whether it exists.
func (fs *FileSet) Get(name string) (string, bool) {
	c, ok := fs.contents[name]
	return c, ok
}

// Names returns file names in insertion order. The returned slice is a copy.
func (fs *FileSet) Names() []string {
	out := make([]string, len(fs.names))
	copy(out, fs.names)
	return out
}

// Len returns the number of files.
func (fs *FileSet) Len() int { return len(fs.names) }

// Each calls fn for every file in insertion order, stopping on the first
// non-nil error.
func (fs *FileSet) Each(fn func(name, content string) error) error {
	for _, n := range fs.names {
		if err := fn(n, fs.contents[n]); err != nil {
			return err
		}
	}
	return nil
}
