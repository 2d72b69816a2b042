package markup

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	tagRe       = regexp.MustCompile(`<(/?)([a-zA-Z][a-zA-Z0-9]*)([^<>]*)>`)
	hrefAttrRe  = regexp.MustCompile(`^ href="[^"<>]*"$`)
	classAttrRe = regexp.MustCompile(`^ class="language-[\w+#.-]+"$`)

	allowedTags = map[string]bool{
		"b": true, "i": true, "u": true, "s": true,
		"code": true, "pre": true, "blockquote": true, "a": true,
	}
)

func allowedTag(closing bool, name, attrs string) bool {
	if !allowedTags[name] {
		return false
	}
	switch {
	case closing:
		return attrs == ""
	case name == "a":
		return hrefAttrRe.MatchString(attrs)
	case name == "code":
		return attrs == "" || classAttrRe.MatchString(attrs)
	}
	return attrs == ""
}

// stripUnsafeTags unwraps every tag outside the allow-list, keeping its text.
func stripUnsafeTags(s string) string {
	return tagRe.ReplaceAllStringFunc(s, func(tag string) string {
		m := tagRe.FindStringSubmatch(tag)
		if allowedTag(m[1] == "/", m[2], m[3]) {
			return tag
		}
		return ""
	})
}

func checkBalance(s string) error {
	var open []string
	for _, m := range tagRe.FindAllStringSubmatch(s, -1) {
		name := strings.ToLower(m[2])
		if m[1] == "" {
			open = append(open, name)
			continue
		}
		if len(open) == 0 || open[len(open)-1] != name {
			return fmt.Errorf("%w: unexpected </%s>", ErrAnomaly, name)
		}
		open = open[:len(open)-1]
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: unclosed <%s>", ErrAnomaly, open[len(open)-1])
	}
	return nil
}

// Balanced reports whether every tag in s is closed in order.
func Balanced(s string) bool {
	return checkBalance(s) == nil
}

// StripTags removes all markup and unescapes entities, for plain-text channels.
func StripTags(s string) string {
	return html.UnescapeString(tagRe.ReplaceAllString(s, ""))
}
