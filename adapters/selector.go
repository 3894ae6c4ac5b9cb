package adapters

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// selector is a descendant chain of simple selectors, e.g.
// "li.product span[data-role=price]".
//
// A simple selector supports tag, .class, #id, [attr] and [attr=val] and
// their combinations ("div.card[data-sku]").
type selector []simpleSelector

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrVal string
}

func parseSelector(s string) (selector, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty selector")
	}
	sel := make(selector, 0, len(parts))
	for _, p := range parts {
		ss, err := parseSimple(p)
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", s, err)
		}
		sel = append(sel, ss)
	}
	return sel, nil
}

func parseSimple(sel string) (simpleSelector, error) {
	var s simpleSelector

	if i := strings.IndexByte(sel, '['); i >= 0 {
		if !strings.HasSuffix(sel, "]") {
			return s, fmt.Errorf("unterminated attribute in %q", sel)
		}
		inner := sel[i+1 : len(sel)-1]
		if key, val, ok := strings.Cut(inner, "="); ok {
			s.attrKey = key
			s.attrVal = strings.Trim(val, `"'`)
		} else {
			s.attrKey = inner
		}
		if s.attrKey == "" {
			return s, fmt.Errorf("empty attribute in %q", sel)
		}
		sel = sel[:i]
	}

	if i := strings.IndexByte(sel, '#'); i >= 0 {
		rest := sel[i+1:]
		sel = sel[:i]
		if j := strings.IndexByte(rest, '.'); j >= 0 {
			sel += rest[j:]
			rest = rest[:j]
		}
		s.id = rest
	}

	parts := strings.Split(sel, ".")
	s.tag = strings.ToLower(parts[0])
	for _, c := range parts[1:] {
		if c != "" {
			s.classes = append(s.classes, c)
		}
	}

	if s.tag == "" && s.id == "" && len(s.classes) == 0 && s.attrKey == "" {
		return s, fmt.Errorf("empty simple selector")
	}
	return s, nil
}

// all returns the nodes under root (root included) matching sel, in
// document order and without duplicates.
func (sel selector) all(root *html.Node) []*html.Node {
	matches := []*html.Node{root}
	for i, part := range sel {
		seen := make(map[*html.Node]struct{})
		var next []*html.Node
		for _, n := range matches {
			if i == 0 {
				next = collect(n, part, seen, next)
				continue
			}
			// later parts only match descendants
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				next = collect(c, part, seen, next)
			}
		}
		matches = next
	}
	return matches
}

// first returns the first match of sel under root, or nil.
func (sel selector) first(root *html.Node) *html.Node {
	if m := sel.all(root); len(m) > 0 {
		return m[0]
	}
	return nil
}

func collect(n *html.Node, s simpleSelector, seen map[*html.Node]struct{}, out []*html.Node) []*html.Node {
	if s.matches(n) {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = collect(c, s, seen, out)
	}
	return out
}

func (s simpleSelector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && attr(n, "id") != s.id {
		return false
	}
	if len(s.classes) > 0 {
		have := strings.Fields(attr(n, "class"))
		for _, want := range s.classes {
			if !slices.Contains(have, want) {
				return false
			}
		}
	}
	if s.attrKey != "" {
		v, ok := attrOK(n, s.attrKey)
		if !ok || (s.attrVal != "" && v != s.attrVal) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func attrOK(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// text returns the visible text under n with whitespace collapsed.
func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style"):
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapseSpace(b.String())
}
