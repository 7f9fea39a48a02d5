package logger

import "strings"

// strftimeToGoLayout translates a (small, proxy-relevant) subset of strftime
// directives into a Go reference-time layout string. The Proxy's timestamp
// format is operator-supplied (-t flag) and defaults to "%F %T", so only the
// directives that default and its common alternatives use are supported;
// anything unrecognised passes through literally.
func strftimeToGoLayout(format string) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			b.WriteByte(format[i])
			continue
		}
		i++
		switch format[i] {
		case 'F': // %F = %Y-%m-%d
			b.WriteString("2006-01-02")
		case 'T': // %T = %H:%M:%S
			b.WriteString("15:04:05")
		case 'Y':
			b.WriteString("2006")
		case 'y':
			b.WriteString("06")
		case 'm':
			b.WriteString("01")
		case 'd':
			b.WriteString("02")
		case 'H':
			b.WriteString("15")
		case 'I':
			b.WriteString("03")
		case 'M':
			b.WriteString("04")
		case 'S':
			b.WriteString("05")
		case 'p':
			b.WriteString("PM")
		case 'z':
			b.WriteString("-0700")
		case 'Z':
			b.WriteString("MST")
		case 'a':
			b.WriteString("Mon")
		case 'A':
			b.WriteString("Monday")
		case 'b', 'h':
			b.WriteString("Jan")
		case 'B':
			b.WriteString("January")
		case '%':
			b.WriteByte('%')
		default:
			// Unknown directive: emit verbatim so operators notice a typo
			// rather than silently mangling the log line.
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return b.String()
}
