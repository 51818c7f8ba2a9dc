package chat

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"
)

// TokenFileName is where the server binary drops the generated token,
// relative to its working directory.
const TokenFileName = "./TOKEN"

// GenerateToken draws 16 random bytes and formats them as 32 uppercase hex
// characters. A failing random source is a startup failure.
func GenerateToken() (string, error) {
	buffer := [16]byte{}

	_, err := rand.Read(buffer[:])
	if err != nil {
		return "", fmt.Errorf("could not generate random access token: %w", err)
	}

	builder := strings.Builder{}
	builder.Grow(len(buffer) * 2)
	for _, b := range buffer {
		_, _ = fmt.Fprintf(&builder, "%02X", b)
	}

	return builder.String(), nil
}

// WriteTokenFile writes the token bytes to the path, nothing else. No
// trailing newline; the file is the token.
func WriteTokenFile(path, token string) error {
	err := os.WriteFile(path, []byte(token), 0600)
	if err != nil {
		return fmt.Errorf("could not create token file %s: %w", path, err)
	}

	return nil
}
