// Package markup converts the Markdown dialect emitted by completion models into
// the restricted HTML subset accepted by the Telegram Bot API.
package markup

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Mode is the markup mode reported to callers alongside rendered text.
const Mode = "safe-subset"

// ErrAnomaly reports that the pipeline produced unbalanced or crossing tags.
var ErrAnomaly = errors.New("markup anomaly")

const (
	phOpen  = "\uE000"
	phClose = "\uE001"
)

var (
	placeholderRe    = regexp.MustCompile(`\x{E000}(\d+)\x{E001}`)
	placeholderStrip = strings.NewReplacer(phOpen, "", phClose, "")
)

// renderer holds the protected fragments of one Render call. Protected fragments
// are swapped out for placeholders so later stages cannot rewrite them.
type renderer struct {
	protected []string
}

func (r *renderer) protect(s string) string {
	r.protected = append(r.protected, s)
	return phOpen + strconv.Itoa(len(r.protected)-1) + phClose
}

func (r *renderer) restore(s string) string {
	for depth := 0; depth < 4 && strings.Contains(s, phOpen); depth++ {
		s = placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
			idx, err := strconv.Atoi(m[len(phOpen) : len(m)-len(phClose)])
			if err != nil || idx >= len(r.protected) {
				return ""
			}
			return r.protected[idx]
		})
	}
	return s
}

// RenderStrict runs the full pipeline and returns ErrAnomaly instead of degrading.
func RenderStrict(raw string) (string, error) {
	r := &renderer{}

	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = placeholderStrip.Replace(s)

	s = r.protectInput(s)
	s = r.fencedCode(s)
	s = r.inlineCode(s)
	s = r.links(s)
	s = emphasis(s)
	s = r.tables(s)
	s = headings(s)
	s = quotes(s)
	s = lists(s)
	s = normalizeBreaks(s)

	s = r.restore(s)
	s = stripUnsafeTags(s)
	if err := checkBalance(s); err != nil {
		return "", err
	}
	return s, nil
}

// Render converts raw model output to safe markup. When the pipeline cannot
// produce balanced output the text is returned escaped with no markup at all.
// Render is idempotent on its own output.
func Render(raw string) string {
	out, err := RenderStrict(raw)
	if err != nil {
		return PlainText(raw)
	}
	return out
}

// PlainText escapes raw without interpreting any markup.
func PlainText(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = placeholderStrip.Replace(s)
	return normalizeBreaks(escapeText(s))
}
