// browser/dom/xpath.go
package dom

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// GenerateUniqueXPath builds an absolute XPath for node, anchoring on the
// nearest ancestor with an id when there is one.
func GenerateUniqueXPath(node *html.Node) string {
	if node == nil {
		return ""
	}

	var path []string
	anchored := false
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if tag == "" {
			continue
		}

		if id := htmlquery.SelectAttr(n, "id"); id != "" && isUniqueID(n, id) {
			path = append(path, fmt.Sprintf("//*[@id=%s]", XPathLiteral(id)))
			anchored = true
			break
		}

		// XPath indices are 1-based and count same-tag siblings only.
		index := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, index))
	}

	if len(path) == 0 {
		return "/"
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	xpath := strings.Join(path, "/")
	if !anchored {
		xpath = "/" + xpath
	}
	return xpath
}

// isUniqueID guards against pages that reuse ids, where an id anchor would
// silently select the wrong element.
func isUniqueID(n *html.Node, id string) bool {
	root := n
	for root.Parent != nil {
		root = root.Parent
	}
	return len(htmlquery.Find(root, fmt.Sprintf("//*[@id=%s]", XPathLiteral(id)))) == 1
}

// XPathLiteral quotes s as an XPath 1.0 string literal. XPath has no escape
// sequences, so values containing both quote kinds are built with concat().
func XPathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ",") + ")"
}
