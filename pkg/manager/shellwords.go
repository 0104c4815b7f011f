package manager

import (
	"errors"
	"strings"
)

var (
	errUnterminatedQuote = errors.New("unterminated quote")
	errNeedsShell        = errors.New("line needs shell evaluation")
)

// shellWord is one POSIX shell word. start/end are byte offsets of the raw
// word (quotes included) in the original line.
type shellWord struct {
	text   string
	start  int
	end    int
	quoted bool
}

// splitShellWords splits a line the way a POSIX shell would for a simple
// command, without performing any expansion. Anything that would make the
// shell do more than word splitting (operators, substitutions, parameter or
// tilde expansion) is reported as errNeedsShell.
//
// end is the offset where the command text stops (start of a comment, or
// len(line)).
func splitShellWords(line string) ([]shellWord, int, error) {
	var (
		words []shellWord
		cur   strings.Builder
		in    bool
		w     shellWord
	)
	flush := func(at int) {
		if in {
			w.text = cur.String()
			w.end = at
			words = append(words, w)
		}
		cur.Reset()
		in = false
		w = shellWord{}
	}
	begin := func(at int) {
		if !in {
			in = true
			w.start = at
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			flush(i)

		case c == '#' && !in:
			flush(i)
			return words, i, nil

		case c == '\\':
			if i+1 >= len(line) {
				return nil, 0, errUnterminatedQuote
			}
			begin(i)
			i++
			if line[i] == '\n' {
				continue
			}
			w.quoted = true
			cur.WriteByte(line[i])

		case c == '\'':
			begin(i)
			w.quoted = true
			j := strings.IndexByte(line[i+1:], '\'')
			if j < 0 {
				return nil, 0, errUnterminatedQuote
			}
			cur.WriteString(line[i+1 : i+1+j])
			i += j + 1

		case c == '"':
			begin(i)
			w.quoted = true
			j, err := readDoubleQuoted(line, i+1, &cur)
			if err != nil {
				return nil, 0, err
			}
			i = j

		case c == '~' && !in:
			return nil, 0, errNeedsShell

		case strings.IndexByte("|&;<>()`$\n\r", c) >= 0:
			return nil, 0, errNeedsShell

		default:
			begin(i)
			cur.WriteByte(c)
		}
	}
	flush(len(line))
	return words, len(line), nil
}

// readDoubleQuoted consumes a double-quoted section starting after the
// opening quote and returns the index of the closing quote.
func readDoubleQuoted(line string, i int, cur *strings.Builder) (int, error) {
	for ; i < len(line); i++ {
		c := line[i]
		switch c {
		case '"':
			return i, nil
		case '$', '`':
			return 0, errNeedsShell
		case '\\':
			if i+1 < len(line) && strings.IndexByte("$`\"\\\n", line[i+1]) >= 0 {
				i++
				if line[i] != '\n' {
					cur.WriteByte(line[i])
				}
				continue
			}
			cur.WriteByte(c)
		default:
			cur.WriteByte(c)
		}
	}
	return 0, errUnterminatedQuote
}

// shellQuote renders s as a single POSIX shell word.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || strings.IndexByte("@%+=:,./-_", c) >= 0) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ShellJoin quotes words so that splitting the result yields them back.
func ShellJoin(words []string) string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, shellQuote(w))
	}
	return strings.Join(out, " ")
}
