package snapshot

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"golang.org/x/net/html"
)

// RenderHTML serialises an element tree back to indent-free HTML. Used by
// text surfaces rendering a snapshot in structural mode.
func RenderHTML(root *ElementNode) string {
	var b strings.Builder
	renderNode(&b, root)
	return b.String()
}

var voidTags = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"source": true, "track": true, "wbr": true,
}

func renderNode(b *strings.Builder, n *ElementNode) {
	if n == nil {
		return
	}
	tag := n.TagName
	if tag == "" {
		tag = "div"
	}
	b.WriteByte('<')
	b.WriteString(tag)
	if n.ID != "" {
		fmt.Fprintf(b, " id=%q", n.ID)
	}
	if n.ClassNames != "" {
		fmt.Fprintf(b, " class=%q", n.ClassNames)
	}
	b.WriteByte('>')
	if voidTags[tag] {
		return
	}
	if n.TextContent != "" {
		b.WriteString(html.EscapeString(n.TextContent))
	}
	for _, c := range n.Children {
		renderNode(b, c)
	}
	b.WriteString("</" + tag + ">")
}

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
	),
)

// RenderMarkdown renders an element tree as markdown for structural-mode
// text surfaces (stdout surface, MCP overlay tool).
func RenderMarkdown(root *ElementNode) (string, error) {
	md, err := mdConverter.ConvertString(RenderHTML(root))
	if err != nil {
		return "", fmt.Errorf("snapshot: render markdown: %w", err)
	}
	return md, nil
}
