package tools

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// pageChunkSize is the most characters of a page returned in one fetch
const pageChunkSize = 20000

// droppedElements are discarded together with their subtree
var droppedElements = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true,
	atom.Svg: true, atom.Math: true, atom.Template: true,
	atom.Iframe: true, atom.Object: true, atom.Embed: true,
	atom.Head: true,
}

var blockElements = map[atom.Atom]bool{
	atom.Div: true, atom.P: true, atom.Section: true, atom.Article: true,
	atom.Aside: true, atom.Header: true, atom.Footer: true, atom.Nav: true,
	atom.Main: true, atom.Blockquote: true, atom.Pre: true, atom.Ul: true,
	atom.Ol: true, atom.Li: true, atom.Table: true, atom.Tr: true,
	atom.Td: true, atom.Th: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Figure: true, atom.Figcaption: true, atom.Form: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
}

var headingLevels = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

var hiddenStyle = regexp.MustCompile(`(?i)` +
	`display\s*:\s*none` +
	`|visibility\s*:\s*hidden` +
	`|opacity\s*:\s*0(?:\s*[;"]|$)` +
	`|font-size\s*:\s*0(?:px|em|rem|%)?(?:\s*[;"]|$)` +
	`|(?:left|top)\s*:\s*-\d{4,}`)

var (
	spaceRun   = regexp.MustCompile(`[ \t\f\v]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// ExtractVisibleText returns what a reader of the page would see. Scripts,
// styles and hidden elements are dropped, headings and list items keep a
// light markdown shape. Content that is not HTML is returned unchanged.
func ExtractVisibleText(raw []byte, contentType string) string {
	if !strings.Contains(strings.ToLower(contentType), "html") {
		return string(raw)
	}
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}

	var sb strings.Builder
	walkVisible(doc, &sb)

	lines := strings.Split(sb.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(spaceRun.ReplaceAllString(line, " "), unicode.IsSpace)
		lines[i] = strings.TrimLeft(lines[i], " ")
	}
	text := newlineRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

func walkVisible(n *html.Node, sb *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.ElementNode:
		if isHidden(n) {
			return
		}
	}

	block := n.Type == html.ElementNode && blockElements[n.DataAtom]
	if block {
		sb.WriteString("\n")
	}
	if level := headingLevels[n.DataAtom]; level > 0 {
		sb.WriteString(strings.Repeat("#", level) + " ")
	}
	if n.DataAtom == atom.Li {
		sb.WriteString("- ")
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkVisible(c, sb)
	}

	if n.DataAtom == atom.Br || n.DataAtom == atom.Hr || block {
		sb.WriteString("\n")
	}
}

func isHidden(n *html.Node) bool {
	if droppedElements[n.DataAtom] {
		return true
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "hidden":
			return true
		case "aria-hidden":
			if a.Val == "true" {
				return true
			}
		case "style":
			if hiddenStyle.MatchString(a.Val) {
				return true
			}
		}
	}
	return false
}

// pageChunk returns chunk number offset of text and the chunk count.
// Cuts prefer paragraph breaks, then line breaks.
func pageChunk(text string, size, offset int) (string, int) {
	if size <= 0 {
		size = pageChunkSize
	}
	var chunks []string
	for len(text) > size {
		cut := size
		if i := strings.LastIndex(text[:size], "\n\n"); i > size/4 {
			cut = i + 2
		} else if i := strings.LastIndex(text[:size], "\n"); i > size/4 {
			cut = i + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	chunks = append(chunks, text)

	offset = max(0, min(offset, len(chunks)-1))
	return chunks[offset], len(chunks)
}

// formatPage renders a fetched page for the model
func formatPage(status, contentType string, size int, text string, offset int) string {
	chunk, total := pageChunk(text, pageChunkSize, offset)

	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP %s\nContent-Type: %s\nSize: %d bytes\n", status, contentType, size)
	if total > 1 {
		fmt.Fprintf(&sb, "Chunk: %d/%d (pass offset to read the others)\n", max(0, min(offset, total-1))+1, total)
	}
	sb.WriteString("\n")
	sb.WriteString(chunk)
	return sb.String()
}
