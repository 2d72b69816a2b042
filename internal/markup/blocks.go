package markup

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	headingRe      = regexp.MustCompile(`^[ \t]{0,3}(#{1,6})[ \t]+(.+?)(?:[ \t]+#+)?[ \t]*$`)
	quoteRe        = regexp.MustCompile(`^&gt;[ \t]?(.*)$`)
	listItemRe     = regexp.MustCompile(`^([ \t]*)([-*+]|(\d{1,9})[.)])[ \t]+(.*)$`)
	tableSepRe     = regexp.MustCompile(`^[ \t]*\|?[ \t]*:?-+:?[ \t]*(?:\|[ \t]*:?-+:?[ \t]*)*\|?[ \t]*$`)
	anyTagRe       = regexp.MustCompile(`<[^<>]*>`)
	trailingBlanks = regexp.MustCompile(`(?m)[ \t]+$`)
	blankRunRe     = regexp.MustCompile(`\n{4,}`)
)

func headings(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch len(m[1]) {
		case 1:
			lines[i] = "<b><u>" + m[2] + "</u></b>"
		case 2:
			lines[i] = "<b>" + m[2] + "</b>"
		default:
			lines[i] = "<b><i>" + m[2] + "</i></b>"
		}
	}
	return strings.Join(lines, "\n")
}

// quotes groups consecutive quoted lines into one blockquote.
func quotes(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	var block []string
	flush := func() {
		if block != nil {
			out = append(out, "<blockquote>"+strings.Join(block, "\n")+"</blockquote>")
			block = nil
		}
	}
	for _, line := range lines {
		if m := quoteRe.FindStringSubmatch(line); m != nil {
			block = append(block, m[1])
			continue
		}
		flush()
		out = append(out, line)
	}
	flush()
	return strings.Join(out, "\n")
}

type listLevel struct {
	ordered bool
	indent  int
	next    int
}

// lists rewrites list items as plain-text prefixes indented by nesting depth.
// Blank lines keep the open lists; any other line closes all of them.
func lists(s string) string {
	lines := strings.Split(s, "\n")
	var stack []listLevel
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := listItemRe.FindStringSubmatch(line)
		if m == nil {
			stack = nil
			continue
		}
		indent := indentWidth(m[1])
		ordered := m[3] != ""

		for len(stack) > 0 && stack[len(stack)-1].indent > indent {
			stack = stack[:len(stack)-1]
		}
		if n := len(stack); n > 0 && stack[n-1].indent == indent && stack[n-1].ordered != ordered {
			stack = stack[:n-1]
		}
		if n := len(stack); n == 0 || stack[n-1].indent < indent {
			start := 1
			if ordered {
				start, _ = strconv.Atoi(m[3])
			}
			stack = append(stack, listLevel{ordered: ordered, indent: indent, next: start})
		}

		top := &stack[len(stack)-1]
		marker := "- "
		if top.ordered {
			marker = strconv.Itoa(top.next) + ". "
			top.next++
		}
		lines[i] = strings.Repeat("  ", len(stack)-1) + marker + m[4]
	}
	return strings.Join(lines, "\n")
}

func indentWidth(ws string) int {
	n := 0
	for _, c := range ws {
		if c == '\t' {
			n += 4
		} else {
			n++
		}
	}
	return n
}

// tables renders pipe tables as padded columns inside a pre block. A block whose
// rows do not fit the header shape is left as text.
func (r *renderer) tables(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if i+1 >= len(lines) || !strings.Contains(lines[i], "|") || !tableSepRe.MatchString(lines[i+1]) {
			out = append(out, lines[i])
			continue
		}
		header := splitRow(lines[i])
		if len(splitRow(lines[i+1])) != len(header) {
			out = append(out, lines[i])
			continue
		}

		end := i + 2
		for end < len(lines) && strings.Contains(lines[end], "|") && strings.TrimSpace(lines[end]) != "" {
			end++
		}
		rows := [][]string{header}
		ok := true
		for _, line := range lines[i+2 : end] {
			row := splitRow(line)
			if len(row) > len(header) {
				ok = false
				break
			}
			for len(row) < len(header) {
				row = append(row, "")
			}
			rows = append(rows, row)
		}
		if !ok {
			out = append(out, lines[i:end]...)
		} else {
			out = append(out, r.protect(r.renderTable(rows)))
		}
		i = end - 1
	}
	return strings.Join(out, "\n")
}

func splitRow(line string) []string {
	t := strings.TrimSpace(line)
	t = strings.TrimPrefix(t, "|")
	t = strings.TrimSuffix(t, "|")
	cells := strings.Split(t, "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

func (r *renderer) renderTable(rows [][]string) string {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for j := range row {
			row[j] = anyTagRe.ReplaceAllString(r.restore(row[j]), "")
			if w := cellWidth(row[j]); w > widths[j] {
				widths[j] = w
			}
		}
	}

	format := func(row []string) string {
		parts := make([]string, len(row))
		for j, c := range row {
			parts[j] = c + strings.Repeat(" ", widths[j]-cellWidth(c))
		}
		return strings.TrimRight(strings.Join(parts, " | "), " ")
	}

	rule := make([]string, len(widths))
	for j, w := range widths {
		rule[j] = strings.Repeat("-", max(w, 1))
	}

	lines := []string{format(rows[0]), strings.Join(rule, "-+-")}
	for _, row := range rows[1:] {
		lines = append(lines, format(row))
	}
	return "<pre>" + strings.Join(lines, "\n") + "</pre>"
}

func cellWidth(escaped string) int {
	return utf8.RuneCountInString(html.UnescapeString(escaped))
}

// normalizeBreaks collapses three or more blank lines into one and trims
// trailing whitespace. Telegram HTML keeps newlines as line breaks.
func normalizeBreaks(s string) string {
	s = trailingBlanks.ReplaceAllString(s, "")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
