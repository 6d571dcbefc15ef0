// Package markdown renders assistant replies as HTML for API clients and as
// the tag subset the Telegram Bot API accepts.
package markdown

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/net/html"
)

var (
	web = goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
		),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)

	// chat renderer: no highlighting, Telegram drops styled spans anyway
	chat = goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)
)

// Render converts a reply to HTML for the chat API. Raw HTML in the input is
// dropped and external links open in a new tab.
func Render(content string) string {
	if content == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := web.Convert([]byte(content), &buf); err != nil {
		return ""
	}
	return externalLinkRe.ReplaceAllString(buf.String(), `$0 target="_blank" rel="noopener noreferrer"`)
}

var externalLinkRe = regexp.MustCompile(`<a href="https?://[^"]*"`)

// telegramTags maps rendered tags onto the ones Telegram parses
var telegramTags = map[string]string{
	"b": "b", "strong": "b",
	"i": "i", "em": "i",
	"u": "u", "ins": "u",
	"s": "s", "del": "s", "strike": "s",
	"code": "code", "pre": "pre",
	"blockquote": "blockquote",
	"h1":         "b", "h2": "b", "h3": "b", "h4": "b", "h5": "b", "h6": "b",
}

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// TelegramHTML converts a reply to Telegram's HTML parse mode. Headings
// become bold, list items get bullets or numbers, and everything outside
// the supported tag set is reduced to escaped text.
func TelegramHTML(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := chat.Convert([]byte(content), &buf); err != nil {
		return html.EscapeString(content)
	}
	out := blankLinesRe.ReplaceAllString(filterTelegram(buf.String()), "\n\n")
	return strings.TrimSpace(out)
}

func filterTelegram(src string) string {
	var sb strings.Builder
	var lists []int // -1 for bullets, otherwise the last number used
	inPre := false

	z := html.NewTokenizer(strings.NewReader(src))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return sb.String()

		case html.TextToken:
			text := string(z.Text())
			if !inPre && strings.TrimSpace(text) == "" && strings.Contains(text, "\n") {
				continue
			}
			sb.WriteString(html.EscapeString(text))

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "br":
				sb.WriteString("\n")
			case "ul":
				lists = append(lists, -1)
			case "ol":
				lists = append(lists, 0)
			case "li":
				if n := len(lists); n > 0 {
					sb.WriteString(strings.Repeat("  ", n-1))
					if lists[n-1] < 0 {
						sb.WriteString("• ")
					} else {
						lists[n-1]++
						fmt.Fprintf(&sb, "%d. ", lists[n-1])
					}
				}
			case "a":
				fmt.Fprintf(&sb, `<a href="%s">`, html.EscapeString(attr(tok, "href")))
			case "pre":
				inPre = true
				sb.WriteString("<pre>")
			default:
				if t, ok := telegramTags[tok.Data]; ok {
					sb.WriteString("<" + t + ">")
				}
			}

		case html.EndTagToken:
			name := z.Token().Data
			switch name {
			case "p":
				sb.WriteString("\n\n")
			case "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteString("</b>\n\n")
			case "li":
				sb.WriteString("\n")
			case "ul", "ol":
				if len(lists) > 0 {
					lists = lists[:len(lists)-1]
				}
				if len(lists) == 0 {
					sb.WriteString("\n")
				}
			case "a":
				sb.WriteString("</a>")
			case "pre":
				inPre = false
				sb.WriteString("</pre>\n\n")
			default:
				if t, ok := telegramTags[name]; ok {
					sb.WriteString("</" + t + ">")
				}
			}
		}
	}
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
