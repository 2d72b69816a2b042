package markup

import (
	"regexp"
	"strings"
)

var (
	fenceRe      = regexp.MustCompile("(?s)```(?:([\\w+#.-]+)[ \\t]*\\n|[ \\t]*\\n?)(.*?)\\n?[ \\t]*```")
	doubleTickRe = regexp.MustCompile("``(.+?)``")
	inlineCodeRe = regexp.MustCompile("`([^`\\n]+)`")

	imageRe = regexp.MustCompile(`!\[([^\]\n]*)\]\(([^)\s]+)(?:\s+"[^"\n]*")?\)`)
	linkRe  = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)(?:\s+"[^"\n]*")?\)`)

	boldItalicRe  = regexp.MustCompile(`\*\*\*(\S(?:[^\n]*?\S)?)\*\*\*`)
	boldRe        = regexp.MustCompile(`\*\*(\S(?:[^\n]*?\S)?)\*\*`)
	underlineRe   = regexp.MustCompile(`__(\S(?:[^\n]*?\S)?)__`)
	strikeRe      = regexp.MustCompile(`~~(\S(?:[^\n]*?\S)?)~~`)
	italicStarRe  = regexp.MustCompile(`(^|[^*\w])\*([^*\s](?:[^*\n]*?[^*\s])?)\*`)
	italicUnderRe = regexp.MustCompile(`(^|[^_\w])_([^_\s](?:[^_\n]*?[^_\s])?)_`)
)

func (r *renderer) fencedCode(s string) string {
	return fenceRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := fenceRe.FindStringSubmatch(m)
		lang, body := sub[1], r.codeText(sub[2])
		if lang == "" {
			return r.protect("<pre>" + body + "</pre>")
		}
		return r.protect(`<pre><code class="language-` + lang + `">` + body + "</code></pre>")
	})
}

func (r *renderer) inlineCode(s string) string {
	wrap := func(re *regexp.Regexp) func(string) string {
		return func(m string) string {
			body := re.FindStringSubmatch(m)[1]
			return r.protect("<code>" + r.codeText(body) + "</code>")
		}
	}
	s = doubleTickRe.ReplaceAllStringFunc(s, wrap(doubleTickRe))
	return inlineCodeRe.ReplaceAllStringFunc(s, wrap(inlineCodeRe))
}

// links renders images as links with bracketed alt text. Targets outside the
// safe scheme list keep only their text.
func (r *renderer) links(s string) string {
	anchor := func(text, target string) string {
		if !safeHref(target) {
			return text
		}
		href := strings.ReplaceAll(target, `"`, "&quot;")
		return r.protect(`<a href="`+href+`">`) + text + r.protect("</a>")
	}
	s = imageRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := imageRe.FindStringSubmatch(m)
		return anchor("["+sub[1]+"]", sub[2])
	})
	return linkRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		return anchor(sub[1], sub[2])
	})
}

func emphasis(s string) string {
	s = boldItalicRe.ReplaceAllString(s, "<b><i>${1}</i></b>")
	s = boldRe.ReplaceAllString(s, "<b>${1}</b>")
	s = underlineRe.ReplaceAllString(s, "<u>${1}</u>")
	s = strikeRe.ReplaceAllString(s, "<s>${1}</s>")
	s = italicStarRe.ReplaceAllString(s, "${1}<i>${2}</i>")
	return italicUnderRe.ReplaceAllString(s, "${1}<i>${2}</i>")
}
