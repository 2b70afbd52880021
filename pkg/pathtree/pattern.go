package pathtree

import (
	"fmt"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// defaultWildcardName is the parameter name used for an anonymous "*" segment.
const defaultWildcardName = "path"

type segmentKind uint8

const (
	segStatic segmentKind = iota
	segParam
	segWildcard
)

// segment is one parsed piece of a route pattern.
type segment struct {
	kind  segmentKind
	value string // literal text for static segments, parameter name otherwise
}

// CleanPath normalizes a path the way the tree stores it: duplicate slashes are
// collapsed, dot segments resolved and the trailing slash dropped (except for the root).
func CleanPath(p string) string {
	p = httprouter.CleanPath(p)
	if len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// parsePattern splits a route pattern into segments.
//
// Supported segment forms:
//   - "users"          static text
//   - "{id}" or ":id"  named parameter, matches exactly one segment
//   - "*rest", "*" or "{rest...}" wildcard, matches the remainder of the path (last segment only)
func parsePattern(pattern string) (string, []segment, error) {
	if pattern == "" {
		return "", nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	cleaned := CleanPath(pattern)
	if cleaned == "/" {
		return cleaned, nil, nil
	}

	raw := strings.Split(cleaned[1:], "/")
	segs := make([]segment, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for i, s := range raw {
		seg, err := parseSegment(s)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
		}
		if seg.kind == segWildcard && i != len(raw)-1 {
			return "", nil, fmt.Errorf("%w: %q: wildcard must be the last segment", ErrInvalidPattern, pattern)
		}
		if seg.kind != segStatic {
			if _, dup := seen[seg.value]; dup {
				return "", nil, fmt.Errorf("%w: %q: duplicate parameter %q", ErrInvalidPattern, pattern, seg.value)
			}
			seen[seg.value] = struct{}{}
		}
		segs = append(segs, seg)
	}
	return cleaned, segs, nil
}

func parseSegment(s string) (segment, error) {
	switch {
	case strings.HasPrefix(s, "{"):
		if !strings.HasSuffix(s, "}") {
			return segment{}, fmt.Errorf("unbalanced braces in %q", s)
		}
		name := s[1 : len(s)-1]
		if rest, ok := strings.CutSuffix(name, "..."); ok {
			if !validName(rest) {
				return segment{}, fmt.Errorf("invalid wildcard name in %q", s)
			}
			return segment{kind: segWildcard, value: rest}, nil
		}
		if !validName(name) {
			return segment{}, fmt.Errorf("invalid parameter name in %q", s)
		}
		return segment{kind: segParam, value: name}, nil
	case strings.HasPrefix(s, ":"):
		if !validName(s[1:]) {
			return segment{}, fmt.Errorf("invalid parameter name in %q", s)
		}
		return segment{kind: segParam, value: s[1:]}, nil
	case strings.HasPrefix(s, "*"):
		name := s[1:]
		if name == "" {
			name = defaultWildcardName
		}
		if !validName(name) {
			return segment{}, fmt.Errorf("invalid wildcard name in %q", s)
		}
		return segment{kind: segWildcard, value: name}, nil
	case strings.ContainsAny(s, "{}"):
		return segment{}, fmt.Errorf("unexpected brace in %q", s)
	}
	return segment{kind: segStatic, value: s}, nil
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "{}/:*")
}

// normalized returns the pattern with parameter names erased, which is the
// identity used for conflict detection.
func normalized(segs []segment) string {
	if len(segs) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, s := range segs {
		b.WriteByte('/')
		switch s.kind {
		case segStatic:
			b.WriteString(s.value)
		case segParam:
			b.WriteString("{}")
		case segWildcard:
			b.WriteString("*")
		}
	}
	return b.String()
}
