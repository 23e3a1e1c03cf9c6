package edge

import (
	"net/http"
	"net/url"
	"testing"
)

func TestNewRequestParsesQueryAndCookies(t *testing.T) {
	h := http.Header{}
	h.Add("Cookie", "a=1; NEXT_LOCALE=fr")
	h.Add("Cookie", "a=2")
	r, err := NewRequest(http.MethodGet, "https://example.com/blog/x?tag=a&tag=b", h, nil, "1.2.3.4:5")
	if err != nil {
		t.Fatal(err)
	}
	if r.RawPath != "/blog/x" {
		t.Fatalf("path is %q", r.RawPath)
	}
	if got := r.Query["tag"]; len(got) != 2 {
		t.Fatalf("query tag is %v", got)
	}
	if r.Cookies["a"] != "1" || r.Cookies["NEXT_LOCALE"] != "fr" {
		t.Fatalf("cookies are %v", r.Cookies)
	}
}

func TestWithPathDoesNotMutateOriginal(t *testing.T) {
	r, _ := NewRequest(http.MethodGet, "https://example.com/a?x=1", nil, nil, "")
	r2 := r.WithPath("/b")
	if r.RawPath != "/a" || r.URL != "https://example.com/a?x=1" {
		t.Fatalf("original changed: %s %s", r.RawPath, r.URL)
	}
	if r2.URL != "https://example.com/b?x=1" {
		t.Fatalf("new url is %s", r2.URL)
	}
	r2.Headers.Set("X-Test", "1")
	if r.Headers.Get("X-Test") != "" {
		t.Fatal("headers shared between clones")
	}
}

func TestWithURLFollowsHost(t *testing.T) {
	r, _ := NewRequest(http.MethodGet, "https://example.com/a", http.Header{"Host": {"example.com"}}, nil, "")
	u, _ := url.Parse("https://other.com/z?q=1")
	r2 := r.WithURL(u)
	if r2.Host() != "other.com" || r2.RawPath != "/z" || r2.Query.Get("q") != "1" {
		t.Fatalf("unexpected %+v", r2)
	}
	if r.Host() != "example.com" {
		t.Fatal("original host changed")
	}
}

func TestHasFileExtension(t *testing.T) {
	cases := map[string]bool{
		"/favicon.ico":   true,
		"/a/b.js":        true,
		"/about":         false,
		"/v1.2/about":    false,
		"/.well-known":   false,
		"/trailing.":     false,
		"/docs/file.pdf": true,
	}
	for path, want := range cases {
		if got := HasFileExtension(path); got != want {
			t.Errorf("HasFileExtension(%q) = %v, want %v", path, got, want)
		}
	}
}
