package edge

import (
	"net/http"
	"net/url"
	"strings"
)

// Kind discriminates requests produced by the transport adapter from
// requests synthesized for the middleware function.
type Kind string

const (
	KindCore       Kind = "core"
	KindMiddleware Kind = "middleware"
)

// Request is the normalized inbound request. Pipeline stages never mutate a
// Request they receive; they derive a new one with Clone or the With* helpers.
type Request struct {
	Kind       Kind
	Method     string
	RawPath    string
	URL        string
	Headers    http.Header
	Query      url.Values
	Cookies    map[string]string
	Body       []byte
	RemoteAddr string
}

// NewRequest builds a core request from a full URL. Cookies are parsed from
// the Cookie header.
func NewRequest(method, rawURL string, headers http.Header, body []byte, remoteAddr string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if headers == nil {
		headers = make(http.Header)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return &Request{
		Kind:       KindCore,
		Method:     method,
		RawPath:    path,
		URL:        u.String(),
		Headers:    headers,
		Query:      u.Query(),
		Cookies:    ParseCookies(headers),
		Body:       body,
		RemoteAddr: remoteAddr,
	}, nil
}

// ParseCookies reads every Cookie header into a name -> value map. The first
// occurrence of a name wins.
func ParseCookies(h http.Header) map[string]string {
	out := map[string]string{}
	r := http.Request{Header: h}
	for _, c := range r.Cookies() {
		if _, ok := out[c.Name]; !ok {
			out[c.Name] = c.Value
		}
	}
	return out
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	out := *r
	out.Headers = r.Headers.Clone()
	if out.Headers == nil {
		out.Headers = make(http.Header)
	}
	out.Query = cloneValues(r.Query)
	out.Cookies = make(map[string]string, len(r.Cookies))
	for k, v := range r.Cookies {
		out.Cookies[k] = v
	}
	return &out
}

// Host returns the request host, preferring the Host header over the URL.
func (r *Request) Host() string {
	if h := r.Headers.Get("Host"); h != "" {
		return h
	}
	if u, err := url.Parse(r.URL); err == nil {
		return u.Host
	}
	return ""
}

// Origin returns scheme://host of the request URL.
func (r *Request) Origin() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" {
		return "http://" + r.Host()
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + u.Host
}

// WithPath returns a copy with the path replaced and the URL rebuilt.
func (r *Request) WithPath(path string) *Request {
	out := r.Clone()
	out.RawPath = path
	out.URL = out.buildURL()
	return out
}

// WithPathAndQuery returns a copy with path and query replaced.
func (r *Request) WithPathAndQuery(path string, query url.Values) *Request {
	out := r.Clone()
	out.RawPath = path
	out.Query = cloneValues(query)
	out.URL = out.buildURL()
	return out
}

// WithURL returns a copy pointing at a new absolute URL. The Host header
// follows the URL host.
func (r *Request) WithURL(u *url.URL) *Request {
	out := r.Clone()
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	out.RawPath = path
	out.Query = u.Query()
	out.URL = u.String()
	if u.Host != "" {
		out.Headers.Set("Host", u.Host)
	}
	return out
}

// QueryString encodes the query map.
func (r *Request) QueryString() string {
	return r.Query.Encode()
}

func (r *Request) buildURL() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		u = &url.URL{Scheme: "http", Host: r.Host()}
	}
	u.RawPath = ""
	if p, err := url.PathUnescape(r.RawPath); err == nil {
		u.Path = p
		if p != r.RawPath {
			u.RawPath = r.RawPath
		}
	} else {
		u.Path = r.RawPath
	}
	u.RawQuery = r.Query.Encode()
	return u.String()
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// HasFileExtension reports whether the last path segment looks like an asset.
func HasFileExtension(path string) bool {
	seg := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		seg = path[i+1:]
	}
	dot := strings.LastIndexByte(seg, '.')
	return dot > 0 && dot < len(seg)-1
}
