// Package copyline implements the text encoding spec.md §4.3 and §6
// describe for Postgres's `COPY FROM STDIN WITH (FORMAT text, NULL '\N')`
// protocol: tab-separated fields, \N for null, and the four backslash
// escapes, newline-terminated. No quoting, no embedded headers.
package copyline

import (
	"strings"

	"github.com/dataloom/etlcore/pkg/record"
)

const nullLiteral = `\N`

// Encode renders one row as a single COPY line, including the trailing
// newline. values must already be in column-plan order; Encode performs no
// reordering or coercion.
func Encode(values []record.Value) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte('\t')
		}
		if v.Kind == record.Null {
			b.WriteString(nullLiteral)
			continue
		}
		escapeInto(&b, v.String())
	}
	b.WriteByte('\n')
	return b.String()
}

func escapeInto(b *strings.Builder, s string) {
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
}

// Decode is the escape-inverse of Encode, used by tests to assert the
// bijection property spec.md §8 requires of the wire format. It is not
// needed by the production pipeline (Postgres is the only reader of
// encoded lines), but is kept here as the canonical inverse so tests don't
// reimplement the escape table.
func Decode(line string) []string {
	line = strings.TrimSuffix(line, "\n")
	fields := splitUnescapedTabs(line)
	out := make([]string, len(fields))
	for i, f := range fields {
		if f == nullLiteral {
			out[i] = ""
			continue
		}
		out[i] = unescape(f)
	}
	return out
}

func splitUnescapedTabs(s string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		if escaped {
			cur.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			cur.WriteRune(r)
			escaped = true
		case '\t':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

func unescape(s string) string {
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if escaped {
			switch r {
			case '\\':
				b.WriteByte('\\')
			case 't':
				b.WriteByte('\t')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteRune(r)
			}
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
