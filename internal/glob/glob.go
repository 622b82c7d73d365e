// Package glob matches and expands shell wildcard patterns against a
// directory tree.
package glob

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// HasMeta reports whether s holds a wildcard.
func HasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// splitAlternatives splits the inside of a brace group at its top level
// commas.
func splitAlternatives(s string) []string {
	var (
		parts []string
		cur   strings.Builder
		depth int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '{':
			depth++
		case c == '}':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(s[i])
	}
	return append(parts, cur.String())
}

// closing returns the index of the brace closing the group opened at
// i, or -1.
func closing(p string, i int) int {
	depth := 0
	for j := i; j < len(p); j++ {
		switch p[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

// translate writes the regexp for p. Wildcards match within a path
// element unless across is set.
func translate(b *strings.Builder, p string, across bool) {
	star, one := "[^/]*", "[^/]"
	if across {
		star, one = ".*", "."
	}
	for i := 0; i < len(p); i++ {
		switch c := p[i]; c {
		case '*':
			b.WriteString(star)
		case '?':
			b.WriteString(one)
		case '[':
			end := strings.IndexByte(p[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := p[i+1 : i+1+end]
			b.WriteByte('[')
			if strings.HasPrefix(class, "!") || strings.HasPrefix(class, "^") {
				b.WriteByte('^')
				class = class[1:]
			}
			b.WriteString(strings.ReplaceAll(class, `\`, `\\`))
			b.WriteByte(']')
			i += end + 1
		case '{':
			end := closing(p, i)
			if end < 0 {
				b.WriteString(`\{`)
				continue
			}
			b.WriteString("(?:")
			for k, alt := range splitAlternatives(p[i+1 : end]) {
				if k > 0 {
					b.WriteByte('|')
				}
				translate(b, alt, across)
			}
			b.WriteByte(')')
			i = end
		case '\\':
			if i+1 < len(p) {
				i++
			}
			b.WriteString(regexp.QuoteMeta(p[i : i+1]))
		default:
			if c >= utf8.RuneSelf {
				b.WriteByte(c)
				continue
			}
			b.WriteString(regexp.QuoteMeta(p[i : i+1]))
		}
	}
}

// Compile returns the regexp matching whole names against pattern.
func Compile(pattern string) (*regexp.Regexp, error) {
	return compile(pattern, false)
}

// CompileText is Compile for patterns over arbitrary text, where
// wildcards also match slashes.
func CompileText(pattern string) (*regexp.Regexp, error) {
	return compile(pattern, true)
}

func compile(pattern string, across bool) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^(?s:")
	translate(&b, pattern, across)
	b.WriteString(")$")
	return regexp.Compile(b.String())
}

// Match reports whether name matches pattern. A malformed pattern
// matches nothing.
func Match(pattern, name string) bool {
	re, err := Compile(pattern)
	return err == nil && re.MatchString(name)
}

// ReadDir lists the names in a directory.
type ReadDir func(dir string) ([]string, error)

func join(dir, name string) string {
	switch {
	case dir == "":
		return name
	case strings.HasSuffix(dir, "/"):
		return dir + name
	}
	return dir + "/" + name
}

// Expand returns the existing paths matching pattern, in order, walking
// one element at a time through readdir. Names starting with a dot
// only match an element that starts with one too.
func Expand(pattern string, readdir ReadDir) []string {
	paths := []string{""}
	if strings.HasPrefix(pattern, "/") {
		paths = []string{"/"}
	}
	for _, elem := range strings.Split(pattern, "/") {
		if elem == "" {
			continue
		}
		re, err := Compile(elem)
		if err != nil {
			return nil
		}
		var next []string
		for _, dir := range paths {
			at := dir
			if at == "" {
				at = "."
			}
			names, err := readdir(at)
			if err != nil {
				continue
			}
			sort.Strings(names)
			for _, name := range names {
				if name == "." || name == ".." {
					continue
				}
				if strings.HasPrefix(name, ".") && !strings.HasPrefix(elem, ".") {
					continue
				}
				if re.MatchString(name) {
					next = append(next, join(dir, name))
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		paths = next
	}
	if len(paths) == 1 && (paths[0] == "" || paths[0] == "/") {
		return nil
	}
	return paths
}
