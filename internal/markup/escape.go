package markup

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

var (
	entityRe = regexp.MustCompile(`^&(?:amp|lt|gt|quot|#[0-9]{1,7}|#[xX][0-9a-fA-F]{1,6});`)

	safeTagRe = regexp.MustCompile(`</?(?:b|i|u|s|code|pre|blockquote)>|<a href="[^"<>]*">|</a>|<code class="language-[\w+#.-]+">`)

	// Code already rendered as markup: its body must never be reinterpreted.
	codeRegionRe = regexp.MustCompile(`(?s)<pre>(<code(?: class="language-[\w+#.-]+")?>)?(.*?)(</code>)?</pre>|<code( class="language-[\w+#.-]+")?>(.*?)</code>`)

	safeSchemes = map[string]bool{"http": true, "https": true, "tg": true, "mailto": true}
)

// escapeText escapes &, < and > while keeping entities that are already valid.
func escapeText(s string) string {
	if !strings.ContainsAny(s, "&<>") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '&':
			if entityRe.MatchString(s[i:]) {
				b.WriteByte('&')
			} else {
				b.WriteString("&amp;")
			}
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// protectInput escapes everything except safe tags, which become placeholders.
func (r *renderer) protectInput(s string) string {
	s = codeRegionRe.ReplaceAllStringFunc(s, r.protectCodeRegion)

	var b strings.Builder
	last := 0
	for _, loc := range safeTagRe.FindAllStringIndex(s, -1) {
		b.WriteString(escapeText(s[last:loc[0]]))
		tag := s[loc[0]:loc[1]]
		if strings.HasPrefix(tag, "<a ") && !safeHref(tag[len(`<a href="`):len(tag)-2]) {
			b.WriteString(escapeText(tag))
		} else {
			b.WriteString(r.protect(tag))
		}
		last = loc[1]
	}
	b.WriteString(escapeText(s[last:]))
	return b.String()
}

func (r *renderer) protectCodeRegion(m string) string {
	sub := codeRegionRe.FindStringSubmatch(m)
	if strings.HasPrefix(m, "<pre>") {
		open, body, closing := sub[1], sub[2], sub[3]
		if open == "" {
			return r.protect("<pre>" + escapeText(body+closing) + "</pre>")
		}
		return r.protect("<pre>" + open + escapeText(body) + "</code></pre>")
	}
	return r.protect("<code" + sub[4] + ">" + escapeText(sub[5]) + "</code>")
}

// codeText restores placeholders inside a code span and shows them literally.
func (r *renderer) codeText(s string) string {
	return escapeText(r.restore(s))
}

func safeHref(escaped string) bool {
	u, err := url.Parse(html.UnescapeString(escaped))
	if err != nil {
		return false
	}
	return safeSchemes[strings.ToLower(u.Scheme)]
}
