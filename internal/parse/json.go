package parse

import (
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/youruser/patchwork/internal/types"
)

var (
	jsonFenceRe         = regexp.MustCompile("(?is)```(?:json[c5]?)?\\s*([{\\[].*?[}\\]])\\s*```")
	trailingArrayComma  = regexp.MustCompile(`,\s*\]`)
	trailingObjectComma = regexp.MustCompile(`,\s*\}`)
)

var errNoJSON = errors.New("no JSON object or array found")

// ExtractJSON finds the JSON payload in a model response, preferring a
// fenced block and falling back to the outermost brackets. Trailing commas
// are repaired. The result is validated.
func ExtractJSON(raw string) (string, error) {
	var candidate string
	if m := jsonFenceRe.FindStringSubmatch(raw); len(m) > 1 {
		candidate = m[1]
	} else {
		start := strings.IndexAny(raw, "[{")
		end := strings.LastIndexAny(raw, "}]")
		if start < 0 || end < start {
			return "", &types.ParseError{Block: "json", Err: errNoJSON}
		}
		candidate = raw[start : end+1]
	}

	js := strings.TrimSpace(candidate)
	js = trailingArrayComma.ReplaceAllString(js, "]")
	js = trailingObjectComma.ReplaceAllString(js, "}")

	if !gjson.Valid(js) {
		return "", &types.ParseError{Block: "json", Err: errors.New("invalid JSON payload")}
	}
	return js, nil
}

// ParseStringList reads a JSON array of strings from a response. Objects
// with a "path" or "name" field are accepted in place of plain strings.
func ParseStringList(raw string) ([]string, error) {
	js, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	root := gjson.Parse(js)
	if root.IsObject() {
		// {"files": [...]} and similar single-key wrappers
		root.ForEach(func(_, v gjson.Result) bool {
			if v.IsArray() {
				root = v
				return false
			}
			return true
		})
	}
	if !root.IsArray() {
		return nil, &types.ParseError{Block: "json", Err: errors.New("expected a JSON array")}
	}

	var out []string
	for _, item := range root.Array() {
		var s string
		switch {
		case item.Type == gjson.String:
			s = item.String()
		case item.IsObject():
			s = item.Get("path").String()
			if s == "" {
				s = item.Get("name").String()
			}
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
