// Package label derives ground-truth labels from generated HTML: the first table with its
// structure kept and all presentation removed.
package label

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/floegence/tablesynth/internal/artifact"
)

// ErrNoTable is returned by Strip when the input holds no <table>.
var ErrNoTable = errors.New("no <table> element")

var droppedAttrs = map[string]bool{
	"style":       true,
	"class":       true,
	"id":          true,
	"align":       true,
	"valign":      true,
	"width":       true,
	"height":      true,
	"bgcolor":     true,
	"border":      true,
	"cellpadding": true,
	"cellspacing": true,
}

var droppedElems = map[atom.Atom]bool{
	atom.Style:   true,
	atom.Br:      true,
	atom.Caption: true,
	atom.Script:  true,
}

// Elements replaced by their children.
var unwrappedElems = map[atom.Atom]bool{
	atom.Thead: true, atom.Tbody: true, atom.Tfoot: true,
	atom.Strong: true, atom.B: true, atom.I: true, atom.Em: true, atom.U: true,
	atom.Span: true, atom.Font: true, atom.Mark: true, atom.Small: true, atom.Big: true,
	atom.Sub: true, atom.Sup: true, atom.S: true, atom.Strike: true, atom.Del: true,
	atom.Ins: true, atom.Abbr: true, atom.Cite: true, atom.Code: true, atom.Kbd: true,
	atom.Samp: true, atom.Var: true,
}

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	interTagGap = regexp.MustCompile(`>\s+<`)
)

// Strip returns the first table of src as compact markup: presentation attributes and tags
// removed, thead/tbody/tfoot and inline formatting unwrapped, whitespace normalized.
// rowspan and colspan survive.
func Strip(src string) (string, error) {
	root, err := html.Parse(strings.NewReader(artifact.CleanFences(src)))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	table := findTable(root)
	if table == nil {
		return "", ErrNoTable
	}
	clean(table)
	normalizeText(table)

	var sb strings.Builder
	writeNode(&sb, table)
	return strings.TrimSpace(interTagGap.ReplaceAllString(sb.String(), "><")), nil
}

func findTable(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Table {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTable(c); t != nil {
			return t
		}
	}
	return nil
}

func clean(n *html.Node) {
	if n.Type == html.ElementNode {
		attrs := n.Attr[:0]
		for _, a := range n.Attr {
			if a.Namespace == "" && !droppedAttrs[strings.ToLower(a.Key)] {
				attrs = append(attrs, a)
			}
		}
		n.Attr = attrs
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.CommentNode:
			n.RemoveChild(c)
		case c.Type == html.ElementNode && droppedElems[c.DataAtom]:
			n.RemoveChild(c)
		case c.Type == html.ElementNode && unwrappedElems[c.DataAtom]:
			clean(c)
			unwrap(c)
		default:
			clean(c)
		}
		c = next
	}
}

// unwrap replaces n with its children.
func unwrap(n *html.Node) {
	parent := n.Parent
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		parent.InsertBefore(c, n)
		c = next
	}
	parent.RemoveChild(n)
}

// normalizeText merges adjacent text nodes left by unwrapping, collapses whitespace runs and
// drops blank nodes.
func normalizeText(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type != html.TextNode {
			normalizeText(c)
			c = next
			continue
		}
		for next != nil && next.Type == html.TextNode {
			c.Data += next.Data
			after := next.NextSibling
			n.RemoveChild(next)
			next = after
		}
		c.Data = strings.TrimSpace(spaceRun.ReplaceAllString(c.Data, " "))
		if c.Data == "" {
			n.RemoveChild(c)
		}
		c = next
	}
}

var voidElems = map[atom.Atom]bool{atom.Img: true, atom.Hr: true, atom.Col: true, atom.Input: true, atom.Wbr: true}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", `"`, "&quot;")
)

// writeNode serializes the cleaned tree. Text escapes only what markup requires, keeping
// quotes and non-ASCII text literal in labels.
func writeNode(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(textEscaper.Replace(n.Data))
		return
	case html.ElementNode:
	default:
		return
	}
	sb.WriteByte('<')
	sb.WriteString(n.Data)
	for _, a := range n.Attr {
		fmt.Fprintf(sb, ` %s="%s"`, a.Key, attrEscaper.Replace(a.Val))
	}
	sb.WriteByte('>')
	if voidElems[n.DataAtom] {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNode(sb, c)
	}
	sb.WriteString("</")
	sb.WriteString(n.Data)
	sb.WriteByte('>')
}
