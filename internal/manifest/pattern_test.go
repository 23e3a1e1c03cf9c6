package manifest

import "testing"

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		source string
		path   string
		match  bool
		params map[string]string
	}{
		{"/about", "/about", true, map[string]string{}},
		{"/about", "/about/", true, map[string]string{}},
		{"/about", "/about/x", false, nil},
		{"/blog/:slug", "/blog/hello", true, map[string]string{"slug": "hello"}},
		{"/blog/:slug", "/blog/a/b", false, nil},
		{"/docs/:path*", "/docs", true, map[string]string{}},
		{"/docs/:path*", "/docs/a/b/c", true, map[string]string{"path": "a/b/c"}},
		{"/docs/:path+", "/docs", false, nil},
		{"/docs/:path+", "/docs/a/b", true, map[string]string{"path": "a/b"}},
		{"/shop/:id?", "/shop", true, map[string]string{}},
		{"/shop/:id?", "/shop/7", true, map[string]string{"id": "7"}},
		{"/item/:id(\\d+)", "/item/42", true, map[string]string{"id": "42"}},
		{"/item/:id(\\d+)", "/item/abc", false, nil},
		{"/(.*)", "/anything/at/all", true, map[string]string{"0": "anything/at/all"}},
		{"/a/(\\d+)/(\\w+)", "/a/1/x", true, map[string]string{"0": "1", "1": "x"}},
		{"/lit\\:eral", "/lit:eral", true, map[string]string{}},
		{"/v1.0/x", "/v1x0/x", false, nil},
	}
	for _, tc := range tests {
		p, err := CompilePattern(tc.source)
		if err != nil {
			t.Fatalf("%s: %v", tc.source, err)
		}
		params, ok := p.Match(tc.path)
		if ok != tc.match {
			t.Errorf("%s on %s: match=%v want %v (regex %s)", tc.source, tc.path, ok, tc.match, p.Regexp())
			continue
		}
		if !ok {
			continue
		}
		if len(params) != len(tc.params) {
			t.Errorf("%s on %s: params %v want %v", tc.source, tc.path, params, tc.params)
			continue
		}
		for k, v := range tc.params {
			if params[k] != v {
				t.Errorf("%s on %s: param %s=%q want %q", tc.source, tc.path, k, params[k], v)
			}
		}
	}
}

func TestCompilePatternKeys(t *testing.T) {
	p, err := CompilePattern("/:lang/docs/:path*")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Keys) != 2 || p.Keys[0].Name != "lang" || !p.Keys[1].Repeat || !p.Keys[1].Optional {
		t.Fatalf("keys are %+v", p.Keys)
	}
}

func TestCompilePatternErrors(t *testing.T) {
	for _, src := range []string{"", "/a/(b", "/x/:id(\\d+"} {
		if _, err := CompilePattern(src); err == nil {
			t.Errorf("expected error for %q", src)
		}
	}
}
