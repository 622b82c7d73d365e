package glob

import (
	"path"
	"reflect"
	"strings"
	"testing"

	"tractor.dev/cooper/abi"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		input   string
		want    bool
	}{
		{"star", "*.txt", "file.txt", true},
		{"star other extension", "*.txt", "file.md", false},
		{"star stops at slash", "*", "a/b", false},
		{"question", "?.go", "a.go", true},
		{"question needs one", "?.go", ".go", false},
		{"class", "[abc]x", "bx", true},
		{"class miss", "[abc]x", "dx", false},
		{"negated class", "[!abc]x", "dx", true},
		{"range", "f[0-9]", "f7", true},
		{"braces", "*.{go,md}", "x.md", true},
		{"braces miss", "*.{go,md}", "x.txt", false},
		{"nested braces", "{a,b{c,d}}", "bd", true},
		{"escaped star", `a\*`, "a*", true},
		{"escaped star literal", `a\*`, "ab", false},
		{"regexp chars are literal", "a+(b).c", "a+(b).c", true},
		{"dot is literal", "a.c", "abc", false},
		{"unclosed class", "[ab", "[ab", true},
		{"unclosed brace", "{ab", "{ab", true},
		{"utf-8", "héllo*", "héllo wörld", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.pattern, tt.input); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.input, got, tt.want)
			}
		})
	}
}

func TestHasMeta(t *testing.T) {
	for s, want := range map[string]bool{
		"plain":  false,
		"/a/b":   false,
		"*.go":   true,
		"a?":     true,
		"[x]":    true,
		"{a,b}":  true,
		"$HOME":  false,
		"a-b_c.": false,
	} {
		if got := HasMeta(s); got != want {
			t.Errorf("HasMeta(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestExpand(t *testing.T) {
	tree := map[string][]string{
		"/":        {"bin", "etc", "tmp"},
		"/bin":     {"cat", "echo", "ls", "sh"},
		"/tmp":     {".hidden", "a.txt", "b.txt", "c.md", "d"},
		"/tmp/d":   {"x.txt"},
		".":        {"a.txt", "b.go"},
		"/etc":     {"hostname"},
		"/tmp/d/x": nil,
	}
	readdir := func(dir string) ([]string, error) {
		if dir != "/" && dir != "." {
			dir = path.Clean(dir)
		}
		names, ok := tree[dir]
		if !ok {
			return nil, abi.ENOTDIR
		}
		return names, nil
	}
	tests := []struct {
		pattern string
		want    []string
	}{
		{"/tmp/*.txt", []string{"/tmp/a.txt", "/tmp/b.txt"}},
		{"/tmp/*", []string{"/tmp/a.txt", "/tmp/b.txt", "/tmp/c.md", "/tmp/d"}},
		{"/tmp/.*", []string{"/tmp/.hidden"}},
		{"/tmp/*/*.txt", []string{"/tmp/d/x.txt"}},
		{"/bin/[ce]*", []string{"/bin/cat", "/bin/echo"}},
		{"/*/hostname", []string{"/etc/hostname"}},
		{"*.go", []string{"b.go"}},
		{"/tmp/*.zip", nil},
		{"/nope/*", nil},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.pattern, "/", "_"), func(t *testing.T) {
			got := Expand(tt.pattern, readdir)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expand(%q) = %q, want %q", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestCompileText(t *testing.T) {
	re, err := CompileText("path=/tmp/*")
	if err != nil {
		t.Fatal(err)
	}
	if !re.MatchString("path=/tmp/a/b") {
		t.Error("star should cross slashes in text")
	}
	if re.MatchString("path=/etc/a") {
		t.Error("unexpected match")
	}
}
