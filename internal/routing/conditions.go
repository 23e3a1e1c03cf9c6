package routing

import (
	"net"
	"strings"

	"edgerouter/internal/edge"
	"edgerouter/internal/manifest"
)

// matchConditions evaluates has and missing lists against req. All has
// conditions must hold and no missing condition may hold. Captures from has
// conditions are returned as destination params.
func matchConditions(req *edge.Request, has, missing []manifest.Condition) (map[string]string, bool) {
	params := map[string]string{}
	for _, c := range has {
		captured, ok := matchCondition(req, c)
		if !ok {
			return nil, false
		}
		for k, v := range captured {
			params[k] = v
		}
	}
	for _, c := range missing {
		if _, ok := matchCondition(req, c); ok {
			return nil, false
		}
	}
	return params, true
}

func matchCondition(req *edge.Request, c manifest.Condition) (map[string]string, bool) {
	var value string
	var present bool
	switch c.Type {
	case manifest.ConditionHeader:
		vs := req.Headers.Values(c.Key)
		present = len(vs) > 0
		value = strings.Join(vs, ",")
	case manifest.ConditionCookie:
		value, present = req.Cookies[c.Key]
	case manifest.ConditionQuery:
		vs, ok := req.Query[c.Key]
		present = ok
		if ok && len(vs) > 0 {
			value = vs[0]
		}
	case manifest.ConditionHost:
		value = hostname(req.Host())
		present = value != ""
	}
	if !present {
		return nil, false
	}

	re := c.ValueRegexp()
	if re == nil {
		if c.Type == manifest.ConditionHost {
			return nil, true
		}
		return map[string]string{safeParamName(c.Key): value}, true
	}
	m := re.FindStringSubmatch(value)
	if m == nil {
		return nil, false
	}
	out := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(m) {
			out[name] = m[i]
		}
	}
	return out, true
}

// safeParamName keeps only ASCII letters so header and cookie names can be
// referenced from destinations.
func safeParamName(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// ConditionHolds reports whether a single condition matches req.
func ConditionHolds(req *edge.Request, c manifest.Condition) bool {
	_, ok := matchCondition(req, c)
	return ok
}
