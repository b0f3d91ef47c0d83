package cellar

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// color-compatible printer interface (works with *color.Theme and color.RGBColor)
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

// cPrintf prints with a colored style or falls back to fmt.Printf when nil
func cPrintf(p colorPrinter, format string, a ...any) {
	if p == nil {
		fmt.Printf(format, a...)
		return
	}
	p.Printf(format, a...)
}

// status prints a "-> message" progress line.
func status(format string, a ...any) {
	colArrow.Print("-> ")
	cPrintf(colSuccess, format+"\n", a...)
}

// infof prints a "-> message" line for hints and notices.
func infof(format string, a ...any) {
	colArrow.Print("-> ")
	cPrintf(colInfo, format+"\n", a...)
}

// warnf prints a "-> message" line in the warning style.
func warnf(format string, a ...any) {
	colArrow.Print("-> ")
	cPrintf(colWarn, format+"\n", a...)
}

// shellJoin renders argv the way it would be typed into bash, for logs and
// failure messages that users copy and paste. An "=" only needs quoting in
// the command word, so flags such as --prefix=/opt/erlang stay bare.
func shellJoin(argv []string) string {
	parts := make([]string, 0, len(argv))
	for i, a := range argv {
		if i > 0 && strings.Contains(a, "=") {
			bare := strings.ReplaceAll(a, "=", "_")
			if q, err := syntax.Quote(bare, syntax.LangBash); err == nil && q == bare {
				parts = append(parts, a)
				continue
			}
		}
		q, err := syntax.Quote(a, syntax.LangBash)
		if err != nil {
			q = fmt.Sprintf("%q", a)
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " ")
}
