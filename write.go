package chat

import (
	"fmt"
	"io"
)

// writeText writes a protocol line to a socket. It's absolutely trivial, but
// it keeps the call sites honest about strings going out as raw bytes.
func writeText(w io.Writer, text string) (int, error) {
	return w.Write([]byte(text))
}

// writeTextf is writeText with a fmt.Sprintf.
func writeTextf(w io.Writer, format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(w, format, a...)
}
