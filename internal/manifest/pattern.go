package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidPattern = errors.New("invalid path pattern")

// Key is a capture declared in a source pattern. Unnamed groups get their
// position as name ("0", "1", ...).
type Key struct {
	Name     string
	Optional bool
	Repeat   bool

	group string
}

// Pattern is a compiled path template such as "/blog/:slug", "/docs/:path*"
// or "/(.*)".
type Pattern struct {
	Source string
	Keys   []Key
	re     *regexp.Regexp
}

// Regexp exposes the compiled expression.
func (p *Pattern) Regexp() *regexp.Regexp { return p.re }

// Match reports whether path matches and returns the captured values.
// Optional captures that did not participate are omitted.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	m := p.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(p.Keys))
	for _, k := range p.Keys {
		idx := p.re.SubexpIndex(k.group)
		if idx < 0 || idx >= len(m) {
			continue
		}
		if m[idx] == "" && k.Optional {
			continue
		}
		params[k.Name] = m[idx]
	}
	return params, true
}

// CompilePattern compiles a path template. Supported syntax: literal text,
// ":name" with optional "(regex)" constraint and "?", "*", "+" modifiers,
// bare "(regex)" positional groups, and "\\" escapes.
func CompilePattern(src string) (*Pattern, error) {
	if src == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	p := &Pattern{Source: src}
	var b strings.Builder
	b.WriteString("^")

	unnamed := 0
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\\' && i+1 < len(src):
			b.WriteString(regexp.QuoteMeta(src[i+1 : i+2]))
			i += 2

		case c == ':' && i+1 < len(src) && isNameChar(src[i+1]):
			j := i + 1
			for j < len(src) && isNameChar(src[j]) {
				j++
			}
			name := src[i+1 : j]
			inner := "[^/]+?"
			if j < len(src) && src[j] == '(' {
				end, err := closingParen(src, j)
				if err != nil {
					return nil, err
				}
				inner = src[j+1 : end]
				j = end + 1
			}
			var mod byte
			if j < len(src) && (src[j] == '?' || src[j] == '*' || src[j] == '+') {
				mod = src[j]
				j++
			}
			p.writeKey(&b, name, inner, mod)
			i = j

		case c == '(':
			end, err := closingParen(src, i)
			if err != nil {
				return nil, err
			}
			inner := src[i+1 : end]
			j := end + 1
			var mod byte
			if j < len(src) && (src[j] == '?' || src[j] == '*' || src[j] == '+') {
				mod = src[j]
				j++
			}
			p.writeKey(&b, fmt.Sprint(unnamed), inner, mod)
			unnamed++
			i = j

		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}

	expr := b.String()
	if !strings.HasSuffix(src, "/") {
		expr += "(?:/)?"
	}
	expr += "$"

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, src, err)
	}
	p.re = re
	return p, nil
}

// writeKey emits the group for one capture. A preceding "/" literal is
// folded into the group so that "?" and "*" make the whole segment optional.
func (p *Pattern) writeKey(b *strings.Builder, name, inner string, mod byte) {
	group := fmt.Sprintf("p%d", len(p.Keys))
	k := Key{Name: name, group: group, Optional: mod == '?' || mod == '*', Repeat: mod == '*' || mod == '+'}
	p.Keys = append(p.Keys, k)

	cur := b.String()
	prefix := ""
	if strings.HasSuffix(cur, "/") {
		prefix = "/"
		b.Reset()
		b.WriteString(strings.TrimSuffix(cur, "/"))
	}

	body := "(?:" + inner + ")"
	if k.Repeat {
		body = body + "(?:" + regexp.QuoteMeta(orSlash(prefix)) + "(?:" + inner + "))*"
	}
	out := prefix + "(?P<" + group + ">" + body + ")"
	if k.Optional {
		out = "(?:" + out + ")?"
	}
	b.WriteString(out)
}

func orSlash(prefix string) string {
	if prefix == "" {
		return "/"
	}
	return prefix
}

func closingParen(src string, open int) (int, error) {
	depth := 0
	for i := open; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: unbalanced group in %q", ErrInvalidPattern, src)
}

func isNameChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
