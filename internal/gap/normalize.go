package gap

import (
	"regexp"
	"strings"
)

var inlineInterpolation = regexp.MustCompile(`\$\{[^}]*\}`)

// Normalizer turns the many spellings of an API path into one comparable
// form: no scheme/host/query, lowercase, single slashes, server prefixes
// removed and every path parameter written as {}.
type Normalizer struct {
	prefixes []string
}

// NewNormalizer creates a normalizer stripping the given server prefixes
func NewNormalizer(stripPrefixes []string) *Normalizer {
	n := &Normalizer{}
	for _, p := range stripPrefixes {
		p = cleanSlashes(strings.ToLower(strings.TrimSpace(p)))
		if p != "" && p != "/" {
			n.prefixes = append(n.prefixes, p)
		}
	}
	return n
}

// Path normalizes raw
func (n *Normalizer) Path(raw string) string {
	p := strings.TrimSpace(raw)

	// Scheme and host
	if i := strings.Index(p, "://"); i >= 0 {
		rest := p[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			p = rest[j:]
		} else {
			p = "/"
		}
	}

	// Query and fragment
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	// A leading interpolated base url such as ${baseUrl} or $apiBase
	segments := strings.Split(p, "/")
	if len(segments) > 0 && strings.HasPrefix(segments[0], "$") {
		segments = segments[1:]
	}
	p = strings.Join(segments, "/")

	p = cleanSlashes(strings.ToLower(p))

	for _, prefix := range n.prefixes {
		if p == prefix {
			p = "/"
			break
		}
		if strings.HasPrefix(p, prefix+"/") {
			p = p[len(prefix):]
			break
		}
	}

	segments = strings.Split(p, "/")
	for i, seg := range segments {
		if isParam(seg) {
			segments[i] = "{}"
			continue
		}
		segments[i] = inlineInterpolation.ReplaceAllString(seg, "{}")
	}
	return strings.Join(segments, "/")
}

// Key is the match key of a method and a raw path
func (n *Normalizer) Key(method, rawPath string) string {
	return NormalizeMethod(method) + " " + n.Path(rawPath)
}

// NormalizeMethod uppercases method, defaulting to GET
func NormalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return "GET"
	}
	return method
}

func isParam(seg string) bool {
	switch {
	case len(seg) < 2:
		return false
	case seg[0] == '{' && seg[len(seg)-1] == '}':
		return true
	case seg[0] == '<' && seg[len(seg)-1] == '>':
		return true
	case seg[0] == ':':
		return true
	case seg[0] == '$':
		return true
	}
	return false
}

// cleanSlashes collapses repeated slashes, forces a leading slash and drops
// a trailing one
func cleanSlashes(p string) string {
	var sb strings.Builder
	sb.WriteByte('/')
	prevSlash := true
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		sb.WriteByte(c)
	}
	out := sb.String()
	if len(out) > 1 && strings.HasSuffix(out, "/") {
		out = out[:len(out)-1]
	}
	return out
}

// Levenshtein calculates the edit distance between two strings
func Levenshtein(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	prev := make([]int, len(s2)+1)
	cur := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(s1); i++ {
		cur[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(s2)]
}
