package types

// File is a repository file as seen by the pipeline. It is treated as an
// immutable value for the duration of a run.
type File struct {
	Path       string  `json:"path"`
	Content    string  `json:"content"`
	TokenCount int     `json:"token_count,omitempty"` // 0 means not estimated yet
	Similarity float64 `json:"similarity,omitempty"`
	Hash       string  `json:"hash,omitempty"`
}

// Scope identifies a repository snapshot for indexing and retrieval.
type Scope struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// TaskRequest is one user-initiated operation. Read-only through the pipeline.
type TaskRequest struct {
	ID     string            `json:"id"`
	Model  string            `json:"model"`
	Task   string            `json:"task"`
	Files  []File            `json:"files,omitempty"`
	Params map[string]string `json:"params,omitempty"`
	Scope  Scope             `json:"scope"`
}

// Operation is what a plan step does to a file.
type Operation string

const (
	OpNew    Operation = "new"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpNew, OpModify, OpDelete:
		return true
	}
	return false
}

// Plan is an ordered implementation plan.
type Plan struct {
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// Step is a single unit of a plan.
type Step struct {
	Title    string       `json:"title" yaml:"title"`
	Thoughts string       `json:"thoughts,omitempty" yaml:"thoughts,omitempty"`
	Files    []FileChange `json:"files" yaml:"files"`
}

// Paths returns the paths named by the step, in order.
func (s Step) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// FileChange names a file a step touches and what to do with it.
type FileChange struct {
	Path      string    `json:"path" yaml:"path"`
	Operation Operation `json:"operation" yaml:"operation"`
	Todos     []string  `json:"todos,omitempty" yaml:"todos,omitempty"`
}

// FileEntry is a new or modified file in a change set.
type FileEntry struct {
	Path     string `json:"path"`
	Thoughts string `json:"thoughts,omitempty"`
	Content  string `json:"content"`
}

// DeletedEntry is a deleted file in a change set.
type DeletedEntry struct {
	Path string `json:"path"`
}

// ChangeSet is the pipeline's output. A path appears in at most one of
// NewFiles, ModifiedFiles and DeletedFiles.
type ChangeSet struct {
	Title         string         `json:"title"`
	NewFiles      []FileEntry    `json:"new_files"`
	ModifiedFiles []FileEntry    `json:"modified_files"`
	DeletedFiles  []DeletedEntry `json:"deleted_files"`
	Partial       bool           `json:"partial,omitempty"`
}

// Len returns the number of entries across all three lists.
func (cs *ChangeSet) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.NewFiles) + len(cs.ModifiedFiles) + len(cs.DeletedFiles)
}

// Paths returns every path in the change set: new, then modified, then deleted.
func (cs *ChangeSet) Paths() []string {
	if cs == nil {
		return nil
	}
	paths := make([]string, 0, cs.Len())
	for _, f := range cs.NewFiles {
		paths = append(paths, f.Path)
	}
	for _, f := range cs.ModifiedFiles {
		paths = append(paths, f.Path)
	}
	for _, f := range cs.DeletedFiles {
		paths = append(paths, f.Path)
	}
	return paths
}

// Lookup returns the latest written content for path. Deleted paths and
// paths not in the set report false.
func (cs *ChangeSet) Lookup(path string) (FileEntry, bool) {
	if cs == nil {
		return FileEntry{}, false
	}
	for _, f := range cs.ModifiedFiles {
		if f.Path == path {
			return f, true
		}
	}
	for _, f := range cs.NewFiles {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

// StepSummary is the condensed record of a finished step, carried forward as
// context for later steps.
type StepSummary struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Markdown string   `json:"markdown,omitempty"`
	Paths    []string `json:"paths"`
}

// Usage is token and cost accounting for one or more model calls.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Calls        int     `json:"calls"`
}

// Add returns the field-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		Cost:         u.Cost + o.Cost,
		Calls:        u.Calls + o.Calls,
	}
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}
