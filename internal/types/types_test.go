package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"configuration", &ConfigurationError{Model: "m", Reason: "unknown model"}, ErrConfiguration},
		{"no relevant files", &NoRelevantFilesError{Step: "Add auth"}, ErrNoRelevantFiles},
		{"parse", &ParseError{Block: "code_changes"}, ErrParse},
		{"parse with cause", &ParseError{Block: "json", Err: errors.New("bad")}, ErrParse},
		{"truncation", &UnrecoverableTruncationError{Reasons: []string{"unclosed <file>"}}, ErrUnrecoverableTruncation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("step 2: %w", tt.err)
			if !errors.Is(wrapped, tt.kind) {
				t.Fatalf("errors.Is(%v, %v) = false", wrapped, tt.kind)
			}
		})
	}
}

func TestParseErrorCause(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := fmt.Errorf("wrap: %w", &ParseError{Block: "plan", Err: cause})
	if !errors.Is(err, cause) {
		t.Errorf("cause should be reachable")
	}
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Block != "plan" {
		t.Errorf("errors.As failed: %v", err)
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 100, OutputTokens: 20, Cost: 0.5, Calls: 1}
	b := Usage{InputTokens: 50, OutputTokens: 5, Cost: 0.25, Calls: 2}
	got := a.Add(b)
	want := Usage{InputTokens: 150, OutputTokens: 25, Cost: 0.75, Calls: 3}
	if got != want {
		t.Errorf("Add = %+v, want %+v", got, want)
	}
	if got.TotalTokens() != 175 {
		t.Errorf("TotalTokens = %d, want 175", got.TotalTokens())
	}
}

func TestChangeSetLookup(t *testing.T) {
	cs := &ChangeSet{
		NewFiles:      []FileEntry{{Path: "a.go", Content: "new"}},
		ModifiedFiles: []FileEntry{{Path: "b.go", Content: "mod"}},
		DeletedFiles:  []DeletedEntry{{Path: "c.go"}},
	}

	if f, ok := cs.Lookup("a.go"); !ok || f.Content != "new" {
		t.Errorf("Lookup(a.go) = %+v, %v", f, ok)
	}
	if f, ok := cs.Lookup("b.go"); !ok || f.Content != "mod" {
		t.Errorf("Lookup(b.go) = %+v, %v", f, ok)
	}
	if _, ok := cs.Lookup("c.go"); ok {
		t.Errorf("deleted path should not be found")
	}
	if cs.Len() != 3 {
		t.Errorf("Len = %d, want 3", cs.Len())
	}

	var nilSet *ChangeSet
	if nilSet.Len() != 0 || nilSet.Paths() != nil {
		t.Errorf("nil change set should be empty")
	}
}

func TestOperationValid(t *testing.T) {
	for _, op := range []Operation{OpNew, OpModify, OpDelete} {
		if !op.Valid() {
			t.Errorf("%q should be valid", op)
		}
	}
	if Operation("rename").Valid() {
		t.Errorf("rename should not be valid")
	}
}
