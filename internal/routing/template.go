package routing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMissingParam is returned when a destination references a capture that
// the source pattern and conditions did not produce.
var ErrMissingParam = errors.New("destination references an uncaptured param")

// compileDestination substitutes params into the host, path and query parts
// of a destination template independently.
func compileDestination(dest string, params map[string]string) (*url.URL, error) {
	var origin, rest string
	if i := strings.Index(dest, "://"); i > 0 && !strings.Contains(dest[:i], "/") {
		after := dest[i+3:]
		end := strings.IndexAny(after, "/?#")
		if end < 0 {
			end = len(after)
		}
		hostport := after[:end]
		host, port := hostport, ""
		if j := strings.LastIndexByte(hostport, ':'); j >= 0 && isDigits(hostport[j+1:]) {
			host, port = hostport[:j], hostport[j:]
		}
		h, err := substitute(host, params)
		if err != nil {
			return nil, err
		}
		origin = dest[:i+3] + h + port
		rest = after[end:]
	} else {
		rest = dest
	}

	path, query, _ := strings.Cut(rest, "?")
	var fragment string
	if k := strings.IndexByte(path, '#'); k >= 0 {
		path, fragment = path[:k], path[k:]
	}
	p, err := substitute(path, params)
	if err != nil {
		return nil, err
	}
	if p == "" && origin != "" {
		p = "/"
	}

	var q string
	if query != "" {
		if k := strings.IndexByte(query, '#'); k >= 0 {
			query, fragment = query[:k], query[k:]
		}
		pairs := strings.Split(query, "&")
		for i, pair := range pairs {
			if pairs[i], err = substitute(pair, params); err != nil {
				return nil, err
			}
		}
		q = "?" + strings.Join(pairs, "&")
	}

	p = collapseSlashes(p)
	if !strings.HasSuffix(path, "/") && len(p) > 1 {
		// "/docs/:path*" without a captured path leaves "/docs/"
		p = strings.TrimSuffix(p, "/")
	}

	u, err := url.Parse(origin + p + q + fragment)
	if err != nil {
		return nil, fmt.Errorf("parse destination %q: %w", dest, err)
	}
	return u, nil
}

// substitute replaces ":name" tokens (with optional "*", "+" or "?"
// modifier) by their param values.
func substitute(s string, params map[string]string) (string, error) {
	if !strings.Contains(s, ":") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		c := s[i]
		if c != ':' || i+1 >= len(s) || !isParamChar(s[i+1]) {
			b.WriteByte(c)
			i++
			continue
		}
		j := i + 1
		for j < len(s) && isParamChar(s[j]) {
			j++
		}
		name := s[i+1 : j]
		var mod byte
		if j < len(s) && (s[j] == '*' || s[j] == '+' || s[j] == '?') {
			mod = s[j]
			j++
		}
		v, ok := params[name]
		if !ok && mod != '*' && mod != '?' {
			return "", fmt.Errorf("%w: %q", ErrMissingParam, name)
		}
		b.WriteString(v)
		i = j
	}
	return b.String(), nil
}

func collapseSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

func isParamChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
