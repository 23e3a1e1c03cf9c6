package routing

import (
	"sort"
	"strconv"
	"strings"

	"edgerouter/internal/edge"
	"edgerouter/internal/manifest"
)

// splitLocale extracts a leading locale segment. rest is always rooted.
func splitLocale(i18n *manifest.I18n, path string) (locale, rest string) {
	if i18n == nil {
		return "", path
	}
	trimmed := strings.TrimPrefix(path, "/")
	seg, tail, _ := strings.Cut(trimmed, "/")
	for _, l := range i18n.Locales {
		if strings.EqualFold(seg, l) {
			return l, "/" + tail
		}
	}
	return "", path
}

// domainFor returns the domain locale config whose domain matches host.
func domainFor(i18n *manifest.I18n, host string) *manifest.DomainLocale {
	if i18n == nil {
		return nil
	}
	h := strings.ToLower(hostname(host))
	for i := range i18n.Domains {
		if strings.ToLower(i18n.Domains[i].Domain) == h {
			return &i18n.Domains[i]
		}
	}
	return nil
}

// domainForLocale returns the domain serving locale, if any.
func domainForLocale(i18n *manifest.I18n, locale string) *manifest.DomainLocale {
	for i := range i18n.Domains {
		d := &i18n.Domains[i]
		if strings.EqualFold(d.DefaultLocale, locale) {
			return d
		}
	}
	for i := range i18n.Domains {
		d := &i18n.Domains[i]
		for _, l := range d.Locales {
			if strings.EqualFold(l, locale) {
				return d
			}
		}
	}
	return nil
}

// defaultLocale returns the locale a request gets when it names none.
func defaultLocale(i18n *manifest.I18n, host string) string {
	if d := domainFor(i18n, host); d != nil {
		return d.DefaultLocale
	}
	return i18n.DefaultLocale
}

// detectLocale picks the preferred locale: domain default, then the locale
// cookie, then Accept-Language, then the global default.
func detectLocale(i18n *manifest.I18n, req *edge.Request) string {
	if d := domainFor(i18n, req.Host()); d != nil {
		return d.DefaultLocale
	}
	if c, ok := req.Cookies[edge.HeaderLocaleCookie]; ok {
		for _, l := range i18n.Locales {
			if strings.EqualFold(l, c) {
				return l
			}
		}
	}
	if l := bestAcceptLanguage(req.Headers.Get("Accept-Language"), i18n.Locales); l != "" {
		return l
	}
	return i18n.DefaultLocale
}

type langQ struct {
	tag string
	q   float64
}

// bestAcceptLanguage returns the configured locale best matching the header.
// Exact tags win over primary-subtag matches at the same quality.
func bestAcceptLanguage(header string, locales []string) string {
	if header == "" || len(locales) == 0 {
		return ""
	}
	var prefs []langQ
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tag, params, _ := strings.Cut(part, ";")
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		if q <= 0 {
			continue
		}
		prefs = append(prefs, langQ{tag: strings.TrimSpace(tag), q: q})
	}
	sort.SliceStable(prefs, func(i, j int) bool { return prefs[i].q > prefs[j].q })

	for _, p := range prefs {
		if p.tag == "*" {
			continue
		}
		for _, l := range locales {
			if strings.EqualFold(l, p.tag) {
				return l
			}
		}
		primary, _, _ := strings.Cut(p.tag, "-")
		for _, l := range locales {
			lp, _, _ := strings.Cut(l, "-")
			if strings.EqualFold(lp, primary) {
				return l
			}
		}
	}
	return ""
}
