package enrich

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"

	"typegraph/internal/sigvalue"
)

// ErrUnparseable is returned when a reply cannot be turned into JSON even
// after salvage.
var ErrUnparseable = errors.New("enrich: unparseable reply")

// Repair turns a raw model reply into a value. It strips markdown fences and
// leading prose, then parses the remainder as JSONC (comments and trailing
// commas allowed). When that fails it cuts the text back to the last balanced
// closing bracket and parses once more. salvaged reports whether the second
// pass was needed.
func Repair(raw []byte) (v sigvalue.Value, salvaged bool, err error) {
	text := stripFences(string(raw))
	if i := strings.IndexAny(text, "{["); i > 0 {
		text = text[i:]
	}
	if text == "" {
		return nil, false, fmt.Errorf("%w: empty reply", ErrUnparseable)
	}
	v, err = sigvalue.Parse(jsonc.ToJSON([]byte(text)))
	if err == nil {
		return v, false, nil
	}
	cut, ok := truncateBalanced(text)
	if !ok {
		return nil, false, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	v, err2 := sigvalue.Parse(jsonc.ToJSON([]byte(cut)))
	if err2 != nil {
		return nil, false, fmt.Errorf("%w: %v (after salvage: %v)", ErrUnparseable, err, err2)
	}
	return v, true, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return strings.Trim(s, "`")
	}
	start, end := 1, len(lines)
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if end > start && strings.HasPrefix(strings.TrimSpace(lines[end-1]), "```") {
		end--
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

// truncateBalanced returns the first complete top-level value in s. If the
// text was cut off before the value closed, it keeps everything up to the
// last closed container and appends the missing closers.
func truncateBalanced(s string) (string, bool) {
	var (
		stack     []byte
		inString  bool
		escaped   bool
		lastClose = -1
		openAt    []byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
			lastClose = i + 1
			openAt = append(openAt[:0], stack...)
		}
	}
	if lastClose < 0 {
		return "", false
	}
	head := strings.TrimRight(s[:lastClose], " \t\r\n")
	var b strings.Builder
	b.WriteString(head)
	for i := len(openAt) - 1; i >= 0; i-- {
		b.WriteByte(openAt[i])
	}
	return b.String(), true
}
