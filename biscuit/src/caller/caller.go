// Package caller renders the host call stack behind a fatal event as
// text, for the panic dump a fatal, unreflected trap produces alongside
// trapdump's instruction disassembly.
//
// Adapted from biscuit/src/caller/caller.go's Callerdump: the teacher
// prints straight to stdout from inside a running kernel with nothing
// else competing for the console. This version returns the formatted
// stack instead of printing it, so callers can fold it into one klog
// record alongside the trapdump window rather than interleaving two
// independent writes to the log sink.
package caller

import (
	"fmt"
	"runtime"
	"strings"
)

// Dump returns the call stack starting skip frames above its own caller,
// one frame per line, innermost first. skip=0 starts at the function that
// called Dump.
func Dump(skip int) string {
	var b strings.Builder
	for i := skip + 1; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\t<-")
		}
		fmt.Fprintf(&b, "%s:%d", file, line)
	}
	return b.String()
}
