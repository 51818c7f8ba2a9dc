package chatutil

// Sanitize removes every byte below 0x20 from the buffer in place and
// returns the shortened slice. This strips CR and LF along with the rest of
// the control characters, so a sanitized buffer is always a single line.
func Sanitize(buffer []byte) []byte {
	n := 0
	for _, b := range buffer {
		if b >= 0x20 {
			buffer[n] = b
			n++
		}
	}

	return buffer[:n]
}
