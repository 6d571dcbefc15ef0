package markdown

import (
	"strings"
	"testing"
)

func TestRenderEmpty(t *testing.T) {
	if got := Render(""); got != "" {
		t.Errorf("Render(\"\") = %q, want \"\"", got)
	}
}

func TestRenderBasicMarkdown(t *testing.T) {
	html := Render("**bold** and *italic*")
	if !strings.Contains(html, "<strong>bold</strong>") {
		t.Errorf("Expected <strong>bold</strong>, got: %s", html)
	}
	if !strings.Contains(html, "<em>italic</em>") {
		t.Errorf("Expected <em>italic</em>, got: %s", html)
	}
}

func TestRenderGFM(t *testing.T) {
	html := Render("| A | B |\n|---|---|\n| 1 | 2 |\n\n~~gone~~")
	if !strings.Contains(html, "<table>") {
		t.Errorf("Expected table HTML, got: %s", html)
	}
	if !strings.Contains(html, "<del>gone</del>") {
		t.Errorf("Expected <del>gone</del>, got: %s", html)
	}
}

func TestRenderCodeBlock(t *testing.T) {
	html := Render("```go\nfunc main() {}\n```")
	if !strings.Contains(html, "<pre") {
		t.Errorf("Expected <pre> block, got: %s", html)
	}
}

func TestRenderDropsRawHTML(t *testing.T) {
	html := Render("hello <script>alert(1)</script>")
	if strings.Contains(html, "<script>") {
		t.Errorf("raw script survived: %s", html)
	}
}

func TestRenderExternalLinks(t *testing.T) {
	html := Render("[Docs](https://example.com/docs)")
	if !strings.Contains(html, `<a href="https://example.com/docs" target="_blank" rel="noopener noreferrer">`) {
		t.Errorf("Expected external link attributes, got: %s", html)
	}
	html = Render("[local](/settings)")
	if strings.Contains(html, "target=") {
		t.Errorf("relative link should not open a new tab: %s", html)
	}
}

func TestTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"heading", "# Daily brief\n\nAll **good**", []string{"<b>Daily brief</b>\n\nAll <b>good</b>"}},
		{"escaping", "5 > 3 & `a < b`", []string{"5 &gt; 3 &amp; <code>a &lt; b</code>"}},
		{"bullets", "- one\n- two", []string{"• one\n• two"}},
		{"numbers", "1. first\n2. second", []string{"1. first\n2. second"}},
		{"link", "[site](https://example.com/?a=1&b=2)", []string{`<a href="https://example.com/?a=1&amp;b=2">site</a>`}},
		{"strike", "~~old~~ *new*", []string{"<s>old</s> <i>new</i>"}},
		{"code block", "```go\nx := 1\n```", []string{"<pre><code>x := 1\n</code></pre>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TelegramHTML(tt.in)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("TelegramHTML(%q) = %q, want it to contain %q", tt.in, got, w)
				}
			}
		})
	}
}

func TestTelegramHTMLStripsUnsupported(t *testing.T) {
	got := TelegramHTML("| A | B |\n|---|---|\n| 1 | 2 |\n\nhi <div>x</div>")
	for _, bad := range []string{"<table", "<div", "<p>", "<td"} {
		if strings.Contains(got, bad) {
			t.Errorf("unsupported tag %s in %q", bad, got)
		}
	}
	if TelegramHTML("   ") != "" {
		t.Error("blank input should render empty")
	}
}
