// Package render turns generated HTML tables into PNG images.
//
// BuildDocument wraps the first table of a source file in a styled #shot container (or, in raw
// mode, keeps the source document and only forces the font), and a Rasterizer captures it.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/floegence/tablesynth/internal/artifact"
	"github.com/floegence/tablesynth/internal/augment"
)

// ShotID is the id of the wrapper captured in styled mode.
const ShotID = "shot"

var errNoTable = errors.New("no <table> element")

// DocOptions carries document settings shared by every plan.
type DocOptions struct {
	// FontFaceCSS is an optional @font-face rule; when set its family leads the font stack.
	FontFaceCSS string
}

// BuildDocument returns the HTML document to rasterize for plan.
func BuildDocument(src string, plan augment.Plan, opts DocOptions) (string, error) {
	src = artifact.CleanFences(src)
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	removeElements(root, atom.Caption)
	table := findFirst(root, atom.Table)
	if table == nil {
		return "", errNoTable
	}

	family := ExtractFontFamily(src)
	if strings.TrimSpace(opts.FontFaceCSS) != "" {
		family = `"` + InjectedFontFamily + `", ` + family
		family = strings.TrimSuffix(strings.TrimSpace(family), ",")
	}

	if plan.Raw {
		css := opts.FontFaceCSS + fontOverrideCSS(family)
		injectStyle(root, css)
		return renderNode(root)
	}

	theme, ok := augment.ThemeByName(plan.Theme)
	if !ok {
		return "", fmt.Errorf("unknown theme %q", plan.Theme)
	}
	tableHTML, err := renderNode(table)
	if err != nil {
		return "", err
	}
	bg := "#ffffff"
	if plan.Background != nil {
		bg = plan.Background.Hex()
	}

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">\n<style>")
	sb.WriteString(opts.FontFaceCSS)
	sb.WriteString(baseCSS(family))
	sb.WriteString(themeCSS(theme))
	sb.WriteString(fontOverrideCSS(family))
	sb.WriteString("</style></head>\n<body>\n")
	fmt.Fprintf(&sb, `<div id="%s" style="padding: %dpx; background: %s !important;">`, ShotID, plan.MarginPx, bg)
	sb.WriteString(tableHTML)
	sb.WriteString("</div>\n</body></html>\n")
	return sb.String(), nil
}

func renderNode(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findFirst(c, a); f != nil {
			return f
		}
	}
	return nil
}

func removeElements(n *html.Node, a atom.Atom) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && c.DataAtom == a {
			n.RemoveChild(c)
		} else {
			removeElements(c, a)
		}
		c = next
	}
}

// injectStyle appends a <style> element to <head>. html.Parse always synthesizes a head.
func injectStyle(root *html.Node, css string) {
	head := findFirst(root, atom.Head)
	if head == nil {
		return
	}
	style := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	head.AppendChild(style)
}
