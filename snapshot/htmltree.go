package snapshot

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// FromHTML builds an element tree and style fragments from raw HTML. This is
// the structural-mode path: a backend that cannot produce layout geometry
// still yields a navigable tree (all Positions nil, so no zones are derived
// until geometry arrives).
func FromHTML(r io.Reader) (*ElementNode, StyleFragments, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, StyleFragments{}, fmt.Errorf("snapshot: parse html: %w", err)
	}

	var styles StyleFragments
	collectStyles(doc, &styles)

	body := findBody(doc)
	if body == nil {
		body = doc
	}
	root := buildNode(body)
	if root == nil {
		return nil, styles, fmt.Errorf("snapshot: no element content")
	}
	return root, styles, nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

func collectStyles(n *html.Node, out *StyleFragments) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Style:
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				out.Inline = append(out.Inline, n.FirstChild.Data)
			}
		case atom.Link:
			if attrVal(n, "rel") == "stylesheet" {
				if href := attrVal(n, "href"); href != "" {
					out.External = append(out.External, href)
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectStyles(c, out)
	}
}

func buildNode(n *html.Node) *ElementNode {
	if n.Type != html.ElementNode {
		return nil
	}
	// Non-content subtrees carry no interaction surface.
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template:
		return nil
	}

	en := &ElementNode{
		TagName:     n.Data,
		ID:          attrVal(n, "id"),
		ClassNames:  attrVal(n, "class"),
		TextContent: CleanText(directText(n)),
		Interactive: isInteractiveHTML(n),
		Semantic:    SemanticUnknown,
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if child := buildNode(c); child != nil {
			en.Children = append(en.Children, child)
		}
	}
	return en
}

// directText concatenates the immediate text children of n, excluding
// descendant element text so each node only reports its own content.
func directText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func isInteractiveHTML(n *html.Node) bool {
	switch n.DataAtom {
	case atom.A, atom.Button, atom.Input, atom.Textarea, atom.Select, atom.Summary:
		return true
	}
	if attrVal(n, "contenteditable") == "true" {
		return true
	}
	switch attrVal(n, "role") {
	case "button", "textbox", "link", "tab", "menuitem":
		return true
	}
	_, hasOnclick := lookupAttr(n, "onclick")
	return hasOnclick
}

func attrVal(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
