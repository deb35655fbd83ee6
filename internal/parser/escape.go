package parser

import (
	"fmt"
	"strings"

	"github.com/therealutkarshpriyadarshi/vagrantlog/pkg/types"
)

const (
	fieldSeparator = ','
	escapeChar     = '\\'
)

var escaper = strings.NewReplacer(
	`\`, `\\`,
	`,`, `\,`,
	"\n", `\n`,
)

// Escape returns the wire form of a single field
func Escape(field string) string {
	return escaper.Replace(field)
}

// Unescape reverses Escape for a single field. Bare commas are kept as-is.
func Unescape(field string) (string, error) {
	fields, err := scanFields(field, false)
	if err != nil {
		return "", err
	}
	return fields[0], nil
}

// Encode renders a record as one machine-readable line, without a trailing newline
func Encode(r types.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d,%s,%s", r.Timestamp, Escape(r.Target), Escape(string(r.Type)))
	for _, d := range r.Data {
		b.WriteByte(fieldSeparator)
		b.WriteString(Escape(d))
	}
	return b.String()
}

// splitFields splits a line on unescaped commas and unescapes every field.
func splitFields(line string) ([]string, error) {
	return scanFields(line, true)
}

// scanFields walks s once, left to right. A backslash always consumes the
// following byte, so a comma preceded by an odd run of backslashes never splits.
func scanFields(s string, split bool) ([]string, error) {
	fields := make([]string, 0, 4)
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == escapeChar:
			if i+1 >= len(s) {
				return nil, fmt.Errorf("%w: trailing backslash at offset %d", ErrMalformedEscape, i)
			}
			i++
			switch s[i] {
			case fieldSeparator:
				b.WriteByte(fieldSeparator)
			case escapeChar:
				b.WriteByte(escapeChar)
			case 'n':
				b.WriteByte('\n')
			default:
				return nil, fmt.Errorf("%w: unknown escape %q at offset %d", ErrMalformedEscape, s[i-1:i+1], i-1)
			}
		case c == fieldSeparator && split:
			fields = append(fields, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}

	return append(fields, b.String()), nil
}
