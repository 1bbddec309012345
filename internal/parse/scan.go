package parse

import "strings"

type tokenKind int

const (
	tokOpen tokenKind = iota
	tokClose
	tokCDATAOpen
	tokCDATAClose
)

// token is a tag found in a response. start and end are byte offsets of the
// whole tag, so raw[start:end] is the tag text.
type token struct {
	kind  tokenKind
	name  string
	start int
	end   int
}

const (
	cdataOpen  = "<![CDATA["
	cdataClose = "]]>"
)

// scan walks raw left to right and returns its tags. CDATA bodies and
// comments are opaque. A tag cut off before its '>' is not reported, and an
// unterminated CDATA section ends the scan after its opening token.
func scan(raw string) []token {
	var toks []token
	i := 0
	for i < len(raw) {
		lt := strings.IndexByte(raw[i:], '<')
		if lt < 0 {
			break
		}
		pos := i + lt
		rest := raw[pos:]

		switch {
		case strings.HasPrefix(rest, cdataOpen):
			toks = append(toks, token{kind: tokCDATAOpen, start: pos, end: pos + len(cdataOpen)})
			body := pos + len(cdataOpen)
			end := strings.Index(raw[body:], cdataClose)
			if end < 0 {
				return toks
			}
			closeAt := body + end
			toks = append(toks, token{kind: tokCDATAClose, start: closeAt, end: closeAt + len(cdataClose)})
			i = closeAt + len(cdataClose)

		case strings.HasPrefix(rest, "<!--"):
			end := strings.Index(rest, "-->")
			if end < 0 {
				return toks
			}
			i = pos + end + len("-->")

		default:
			tok, ok := readTag(raw, pos)
			if !ok {
				i = pos + 1
				continue
			}
			toks = append(toks, tok)
			i = tok.end
		}
	}
	return toks
}

// readTag reads an element tag starting at pos. Self-closing tags and text
// that merely contains '<' are rejected.
func readTag(raw string, pos int) (token, bool) {
	j := pos + 1
	kind := tokOpen
	if j < len(raw) && raw[j] == '/' {
		kind = tokClose
		j++
	}

	nameStart := j
	for j < len(raw) && isNameByte(raw[j], j == nameStart) {
		j++
	}
	if j == nameStart {
		return token{}, false
	}
	name := raw[nameStart:j]

	// Attributes are skipped up to the closing '>', which must come before
	// any other '<'.
	for j < len(raw) && raw[j] != '>' {
		if raw[j] == '<' {
			return token{}, false
		}
		j++
	}
	if j >= len(raw) {
		return token{}, false
	}
	if kind == tokOpen && raw[j-1] == '/' {
		return token{}, false
	}
	return token{kind: kind, name: name, start: pos, end: j + 1}, true
}

func isNameByte(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case first:
		return false
	case c >= '0' && c <= '9', c == '-', c == '.', c == ':':
		return true
	}
	return false
}

// findOpen returns the index of the first open tag named name in toks[from:to].
func findOpen(toks []token, name string, from, to int) int {
	for k := from; k < to; k++ {
		if toks[k].kind == tokOpen && toks[k].name == name {
			return k
		}
	}
	return -1
}

// findClose returns the index of the first close tag named name in toks[from:to].
func findClose(toks []token, name string, from, to int) int {
	for k := from; k < to; k++ {
		if toks[k].kind == tokClose && toks[k].name == name {
			return k
		}
	}
	return -1
}

// field extracts the text of the first complete <name>...</name> within
// toks[from:to]. CDATA sections inside the element are unwrapped and
// concatenated, so content split around a literal "]]>" reads back whole.
func field(raw string, toks []token, name string, from, to int) (string, bool) {
	open := findOpen(toks, name, from, to)
	if open < 0 {
		return "", false
	}
	closeIdx := findClose(toks, name, open+1, to)
	if closeIdx < 0 {
		return "", false
	}

	var b strings.Builder
	sections := 0
	for k := open + 1; k+1 < closeIdx; k++ {
		if toks[k].kind == tokCDATAOpen && toks[k+1].kind == tokCDATAClose {
			b.WriteString(raw[toks[k].end:toks[k+1].start])
			sections++
			k++
		}
	}
	if sections > 0 {
		return strings.TrimSpace(b.String()), true
	}
	return strings.TrimSpace(raw[toks[open].end:toks[closeIdx].start]), true
}

// opened reports whether an element named name is opened in toks[from:to]
// without being closed there.
func opened(toks []token, name string, from, to int) bool {
	open := findOpen(toks, name, from, to)
	return open >= 0 && findClose(toks, name, open+1, to) < 0
}
