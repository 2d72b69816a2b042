package markup

import (
	"errors"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"inline emphasis and code", "**a** *b* `c`", "<b>a</b> <i>b</i> <code>c</code>"},
		{"bold italic", "***x***", "<b><i>x</i></b>"},
		{"strike and underline", "~~x~~ __y__", "<s>x</s> <u>y</u>"},
		{"snake case untouched", "use snake_case_name here", "use snake_case_name here"},
		{"lone asterisks untouched", "2 * 3 * 4", "2 * 3 * 4"},
		{"escapes structural characters", "a < b && c > d", "a &lt; b &amp;&amp; c &gt; d"},
		{"escapes unknown tags", "<script>alert(1)</script>", "&lt;script&gt;alert(1)&lt;/script&gt;"},
		{"keeps valid entities", "Tom &amp; Jerry &#8212; &lt;3", "Tom &amp; Jerry &#8212; &lt;3"},
		{"fenced code with language", "```go\nfmt.Println(\"<hi>\")\n```", `<pre><code class="language-go">fmt.Println("&lt;hi&gt;")</code></pre>`},
		{"fenced code suppresses emphasis", "```\n**x**\n```", "<pre>**x**</pre>"},
		{"inline code shows tags literally", "`<b>`", "<code>&lt;b&gt;</code>"},
		{"link", "[site](https://example.com/a_b_c)", `<a href="https://example.com/a_b_c">site</a>`},
		{"link with query", "[q](https://e.com/?a=1&b=2)", `<a href="https://e.com/?a=1&amp;b=2">q</a>`},
		{"image becomes link", "![cat](https://e.com/c.png)", `<a href="https://e.com/c.png">[cat]</a>`},
		{"relative link keeps text", "[doc](/docs/x)", "doc"},
		{"headings", "# T\n## U\n### V", "<b><u>T</u></b>\n<b>U</b>\n<b><i>V</i></b>"},
		{"heading keeps trailing hash in text", "## Learn C#", "<b>Learn C#</b>"},
		{"blockquote groups lines", "> a\n> b\nc", "<blockquote>a\nb</blockquote>\nc"},
		{"nested list", "- a\n  - b\n- c", "- a\n  - b\n- c"},
		{"star bullets and nested ordered", "* a\n  1. b\n  2. c\n* d", "- a\n  1. b\n  2. c\n- d"},
		{"ordered list keeps start", "3. x\n4. y", "3. x\n4. y"},
		{"paren ordered list", "1) a\n2) b", "1. a\n2. b"},
		{"list type change at same level", "- a\n1. b", "- a\n1. b"},
		{"blank line keeps list open", "1. a\n\n1. b", "1. a\n\n2. b"},
		{"text resets list", "1. a\ntext\n1. b", "1. a\ntext\n1. b"},
		{
			"table",
			"| a | bb |\n|---|---|\n| ccc | d |",
			"<pre>a   | bb\n----+---\nccc | d</pre>",
		},
		{
			"table cells lose markup",
			"| **k** | v |\n|:--|--:|\n| `x` | [y](https://e.com) |",
			"<pre>k | v\n--+--\nx | y</pre>",
		},
		{
			"malformed table stays text",
			"| a | b |\n|---|---|\n| 1 | 2 | 3 |",
			"| a | b |\n|---|---|\n| 1 | 2 | 3 |",
		},
		{"collapses blank runs", "a\n\n\n\n\nb  \n", "a\n\nb"},
		{"keeps two blank lines", "a\n\n\nb", "a\n\n\nb"},
		{"strips placeholder runes", "a\uE0000\uE001b", "a0b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.in); got != tt.want {
				t.Errorf("Render(%q)\n got: %q\nwant: %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRender_Idempotent(t *testing.T) {
	inputs := []string{
		"**a** *b* `c`",
		"- a\n  - b\n- c",
		"# Title\n\nSome **bold** text with `code` and [link](https://e.com).\n\n- one\n  - two\n\n> quote\n\n```py\nprint(1)\n```\n\n| a | b |\n|---|---|\n| 1 | 2 |",
		"a < b && c > d",
		`<b>bold</b> and <a href="https://x.io/?a=1&amp;b=2">link</a>`,
		"<blockquote>q</blockquote>\n<pre><code class=\"language-go\">x := 1 &lt; 2</code></pre>",
	}
	for _, in := range inputs {
		once := Render(in)
		if twice := Render(once); twice != once {
			t.Errorf("Render not idempotent for %q\n once: %q\ntwice: %q", in, once, twice)
		}
	}
}

func TestRender_SafeSubsetPassesThrough(t *testing.T) {
	in := `<b>bold</b> <i>it</i> <u>u</u> <s>s</s> <code>x*y*z</code> <a href="https://e.com">e</a>`
	if got := Render(in); got != in {
		t.Errorf("Expected safe markup unchanged, got %q", got)
	}
}

func TestRender_UnsafeLinkIsEscaped(t *testing.T) {
	got := Render(`<a href="javascript:x">y</a>`)
	if strings.Contains(got, "<a") {
		t.Fatalf("Expected no anchor, got %q", got)
	}
	if got != `&lt;a href="javascript:x"&gt;y&lt;/a&gt;` {
		t.Errorf("Unexpected output %q", got)
	}
}

func TestRenderStrict_Anomaly(t *testing.T) {
	tests := []string{
		"**a _b** c_",
		"<b>x",
	}
	for _, in := range tests {
		if _, err := RenderStrict(in); !errors.Is(err, ErrAnomaly) {
			t.Errorf("RenderStrict(%q): expected ErrAnomaly, got %v", in, err)
		}
	}

	if got := Render("**a _b** c_"); got != "**a _b** c_" {
		t.Errorf("Expected plain text fallback, got %q", got)
	}
	if got := Render("<b>x"); got != "&lt;b&gt;x" {
		t.Errorf("Expected escaped fallback, got %q", got)
	}
}

func TestStripTags(t *testing.T) {
	if got := StripTags("<b>a</b> &amp; <code>b</code>"); got != "a & b" {
		t.Errorf("Expected 'a & b', got %q", got)
	}
}
