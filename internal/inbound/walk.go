package inbound

import (
	"net/url"
	"strings"
)

// Bounds for the generic URL scan.
const (
	MaxScanDepth = 6
	MaxScanURLs  = 16
)

// unwrapBudget bounds how many serialized-JSON layers a walker may open.
const unwrapBudget = 4

// IsAbsoluteURL reports whether s is an absolute http or https URL.
func IsAbsoluteURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// CollectURLs scans v for absolute URLs in string leaves, opening nested
// serialized JSON as it goes. Results keep first-seen order, are unique,
// and stop at maxURLs. Each container or unwrapped string costs one level
// of maxDepth.
func CollectURLs(v Value, maxDepth, maxURLs int) []string {
	c := urlCollector{max: maxURLs, seen: make(map[string]struct{})}
	c.walk(v, maxDepth)
	return c.out
}

type urlCollector struct {
	max  int
	seen map[string]struct{}
	out  []string
}

func (c *urlCollector) full() bool { return len(c.out) >= c.max }

func (c *urlCollector) add(s string) {
	s = strings.TrimSpace(s)
	if _, dup := c.seen[s]; dup {
		return
	}
	c.seen[s] = struct{}{}
	c.out = append(c.out, s)
}

func (c *urlCollector) walk(v Value, depth int) {
	if depth < 0 || c.full() {
		return
	}
	switch v.Kind() {
	case KindString:
		s, _ := v.Str()
		if IsAbsoluteURL(s) {
			c.add(s)
			return
		}
		if looksStructured(s) {
			if inner := Unwrap(v, 1); inner.Kind() != KindString {
				c.walk(inner, depth-1)
			}
		}
	case KindArray:
		for _, item := range v.Items() {
			if c.full() {
				return
			}
			c.walk(item, depth-1)
		}
	case KindObject:
		for _, m := range v.Members() {
			if c.full() {
				return
			}
			c.walk(m.Value, depth-1)
		}
	}
}
