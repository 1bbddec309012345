package parse

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/youruser/patchwork/internal/types"
)

const tagPlan = "implementation_plan"

type xmlPlan struct {
	XMLName xml.Name  `xml:"implementation_plan"`
	Title   string    `xml:"title"`
	Steps   []xmlStep `xml:"step"`
}

type xmlStep struct {
	Title    string           `xml:"title"`
	Thoughts string           `xml:"thoughts"`
	Files    []xmlPlannedFile `xml:"files>file"`
}

type xmlPlannedFile struct {
	Path      string   `xml:"path"`
	Operation string   `xml:"operation"`
	Todos     []string `xml:"todos>todo"`
}

// ParsePlan parses the <implementation_plan> block of a planning response.
func ParsePlan(raw string) (*types.Plan, error) {
	blk, ok := block(raw, tagPlan)
	if !ok {
		return nil, &types.ParseError{Block: tagPlan}
	}

	var doc xmlPlan
	dec := xml.NewDecoder(strings.NewReader(blk))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	if err := dec.Decode(&doc); err != nil {
		return nil, &types.ParseError{Block: tagPlan, Err: err}
	}

	plan := &types.Plan{Title: strings.TrimSpace(doc.Title)}
	for _, s := range doc.Steps {
		step := types.Step{
			Title:    strings.TrimSpace(s.Title),
			Thoughts: strings.TrimSpace(s.Thoughts),
		}
		for _, f := range s.Files {
			fc := types.FileChange{
				Path:      strings.TrimSpace(f.Path),
				Operation: types.Operation(strings.ToLower(strings.TrimSpace(f.Operation))),
			}
			for _, todo := range f.Todos {
				if todo = strings.TrimSpace(todo); todo != "" {
					fc.Todos = append(fc.Todos, todo)
				}
			}
			step.Files = append(step.Files, fc)
		}
		plan.Steps = append(plan.Steps, step)
	}

	if err := ValidatePlan(plan); err != nil {
		return nil, &types.ParseError{Block: tagPlan, Err: err}
	}
	return plan, nil
}

// ValidatePlan checks that every file change names a path and a known
// operation.
func ValidatePlan(plan *types.Plan) error {
	for i, s := range plan.Steps {
		for _, f := range s.Files {
			if f.Path == "" {
				return fmt.Errorf("step %d (%s): file change without a path", i+1, s.Title)
			}
			if !f.Operation.Valid() {
				return fmt.Errorf("step %d (%s): %s: unknown operation %q", i+1, s.Title, f.Path, f.Operation)
			}
		}
	}
	return nil
}

// LoadPlan reads a plan from a YAML or JSON file, or from an XML
// <implementation_plan> document.
func LoadPlan(path string) (*types.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodePlan(string(data))
}

// DecodePlan reads a plan from YAML, JSON, or the XML plan grammar.
func DecodePlan(text string) (*types.Plan, error) {
	if strings.Contains(text, "<"+tagPlan) {
		return ParsePlan(text)
	}

	var plan types.Plan
	if err := yaml.Unmarshal([]byte(text), &plan); err != nil {
		return nil, &types.ParseError{Block: "plan", Err: err}
	}
	if err := ValidatePlan(&plan); err != nil {
		return nil, &types.ParseError{Block: "plan", Err: err}
	}
	return &plan, nil
}
