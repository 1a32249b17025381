package variables

import (
	"fmt"
	"strings"
)

// Part is one fragment of a parsed Template: either a literal string or
// a `{{ name }}` variable expression.
type Part struct {
	Literal string
	Expr    string // empty when this part is a literal
	isExpr  bool
}

// Template is a string containing literal text interleaved with
// `{{ name }}` expressions, parsed once at registration time.
type Template struct {
	raw   string
	parts []Part
}

// NewTemplate parses a raw template string.
func NewTemplate(raw string) (Template, error) {
	parts, err := parseTemplateParts(raw)
	if err != nil {
		return Template{}, err
	}
	return Template{raw: raw, parts: parts}, nil
}

// Parts returns the parsed fragments in order.
func (t Template) Parts() []Part { return t.parts }

// IsLiteral reports whether the template has no variable expressions.
func (t Template) IsLiteral() bool {
	for _, p := range t.parts {
		if p.isExpr {
			return false
		}
	}
	return true
}

func (t Template) String() string { return t.raw }

func parseTemplateParts(raw string) ([]Part, error) {
	var parts []Part
	rest := raw
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			if rest != "" {
				parts = append(parts, Part{Literal: rest})
			}
			break
		}
		if start > 0 {
			parts = append(parts, Part{Literal: rest[:start]})
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated variable expression in template %q", raw)
		}
		end += start
		name := strings.TrimSpace(rest[start+2 : end])
		if name == "" {
			return nil, fmt.Errorf("empty variable expression in template %q", raw)
		}
		parts = append(parts, Part{Expr: name, isExpr: true})
		rest = rest[end+2:]
	}
	return parts, nil
}
