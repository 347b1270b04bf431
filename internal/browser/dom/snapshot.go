// browser/dom/snapshot.go
package dom

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Node is a parsed HTML node.
type Node = html.Node

// Parse turns a serialized document into a node tree.
func Parse(source string) (*html.Node, error) {
	doc, err := htmlquery.Parse(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("dom: failed to parse snapshot: %w", err)
	}
	return doc, nil
}

// nonRendered elements never contribute visible text.
var nonRendered = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
}

// IsHidden reports whether the node is hidden by markup alone. Computed
// styles are not available in a snapshot; callers confirm with live geometry.
func IsHidden(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		if nonRendered[strings.ToLower(cur.Data)] {
			return true
		}
		for _, a := range cur.Attr {
			switch strings.ToLower(a.Key) {
			case "hidden":
				return true
			case "type":
				if strings.EqualFold(cur.Data, "input") && strings.EqualFold(a.Val, "hidden") {
					return true
				}
			case "style":
				style := strings.ToLower(strings.ReplaceAll(a.Val, " ", ""))
				if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
					return true
				}
			}
		}
	}
	return false
}

// VisibleText returns the whitespace-normalized rendered text under n.
func VisibleText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(cur *html.Node) {
		switch cur.Type {
		case html.TextNode:
			b.WriteString(cur.Data)
			b.WriteByte(' ')
			return
		case html.ElementNode:
			if nonRendered[strings.ToLower(cur.Data)] || IsHidden(cur) {
				return
			}
		}
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return NormalizeText(b.String())
}

// NormalizeText collapses runs of whitespace and trims the result.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ContainsPhrase reports the first phrase found, case-insensitively, in the
// visible text of doc.
func ContainsPhrase(doc *html.Node, phrases []string) (string, bool) {
	return ContainsText(VisibleText(doc), phrases)
}

// ContainsText reports the first phrase found in text, ignoring case. A
// phrase only matches on word boundaries: "success" is not found in
// "unsuccessful".
func ContainsText(text string, phrases []string) (string, bool) {
	text = strings.ToLower(text)
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p != "" && containsWord(text, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

func containsWord(text, phrase string) bool {
	for off := 0; off <= len(text); {
		i := strings.Index(text[off:], phrase)
		if i < 0 {
			return false
		}
		start, end := off+i, off+i+len(phrase)
		if boundaryBefore(text, start, phrase) && boundaryAfter(text, end, phrase) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		off = start + size
	}
	return false
}

// boundaryBefore is only enforced when the phrase itself starts with a word
// character; "!done" may follow anything.
func boundaryBefore(text string, start int, phrase string) bool {
	first, _ := utf8.DecodeRuneInString(phrase)
	if start == 0 || !isWordRune(first) {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:start])
	return !isWordRune(prev)
}

func boundaryAfter(text string, end int, phrase string) bool {
	last, _ := utf8.DecodeLastRuneInString(phrase)
	if end >= len(text) || !isWordRune(last) {
		return true
	}
	next, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(next)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// TextMatch selects how FindByText compares.
type TextMatch int

const (
	MatchExact TextMatch = iota
	MatchContains
)

// FindByText returns the innermost visible elements whose text matches the
// literal, in document order. Comparison is case-insensitive.
func FindByText(doc *html.Node, literal string, mode TextMatch) []*html.Node {
	want := strings.ToLower(NormalizeText(literal))
	if want == "" {
		return nil
	}
	match := func(n *html.Node) bool {
		got := strings.ToLower(VisibleText(n))
		if mode == MatchExact {
			return got == want
		}
		return strings.Contains(got, want)
	}

	var out []*html.Node
	var walk func(*html.Node) bool
	// walk returns true when n or a descendant matched.
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && (nonRendered[strings.ToLower(n.Data)] || IsHidden(n)) {
			return false
		}
		childMatched := false
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				childMatched = true
			}
		}
		if childMatched {
			return true
		}
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
			return true
		}
		return false
	}
	walk(doc)
	return out
}

// ElementType describes the kind of element NearestOfType looks for.
type ElementType struct {
	Tag string
	// Type optionally restricts the type attribute, e.g. "text" or "password".
	Type string
}

func (t ElementType) matches(n *html.Node) bool {
	if n.Type != html.ElementNode || !strings.EqualFold(n.Data, t.Tag) || IsHidden(n) {
		return false
	}
	if t.Type == "" {
		return true
	}
	typ := htmlquery.SelectAttr(n, "type")
	if typ == "" && strings.EqualFold(t.Tag, "input") {
		typ = "text"
	}
	return strings.EqualFold(typ, t.Type)
}

// NearestOfType finds the element of the given type closest to the anchor in
// tree distance: the anchor's own subtree first, then each ancestor's subtree
// in turn. Within one subtree the first match in document order wins.
func NearestOfType(anchor *html.Node, want ElementType) *html.Node {
	var visited *html.Node
	for scope := anchor; scope != nil; scope = scope.Parent {
		if found := firstMatch(scope, visited, want); found != nil {
			return found
		}
		visited = scope
	}
	return nil
}

func firstMatch(root, skip *html.Node, want ElementType) *html.Node {
	if root == skip {
		return nil
	}
	if want.matches(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := firstMatch(c, skip, want); found != nil {
			return found
		}
	}
	return nil
}

// FindByClassToken returns visible elements carrying a class token that
// equals one of the patterns or extends it after a "-" or "_" ("captcha"
// matches "captcha-box" but not "grecaptcha-badge"), in document order.
// Elements with a token containing any of exclude are skipped. Comparison is
// case-insensitive.
func FindByClassToken(doc *html.Node, patterns, exclude []string) []*html.Node {
	var out []*html.Node
	for _, n := range htmlquery.Find(doc, "//*[@class]") {
		class := htmlquery.SelectAttr(n, "class")
		if !ClassHasToken(class, patterns) || classMentions(class, exclude) || IsHidden(n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// ClassHasToken reports whether a class attribute carries a token matching
// one of the patterns, as FindByClassToken does.
func ClassHasToken(class string, patterns []string) bool {
	for _, tok := range strings.Fields(strings.ToLower(class)) {
		for _, p := range patterns {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" || !strings.HasPrefix(tok, p) {
				continue
			}
			if len(tok) == len(p) || tok[len(p)] == '-' || tok[len(p)] == '_' {
				return true
			}
		}
	}
	return false
}

func classMentions(class string, needles []string) bool {
	class = strings.ToLower(class)
	for _, n := range needles {
		if n != "" && strings.Contains(class, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
