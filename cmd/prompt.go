package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errNoTerminal = errors.New("no terminal available for interactive prompt")

// readSecret reads a password or recovery key from path, or prompts with
// echo disabled when path is empty or "-".
func readSecret(path, prompt string, stderr io.Writer) (string, error) {
	if path != "" && path != "-" {
		return readSecretFile(path)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%w (use a --*-file flag)", errNoTerminal)
	}

	_, _ = fmt.Fprint(stderr, prompt)
	raw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.ToLower(prompt), ": "), err)
	}
	if len(raw) == 0 {
		return "", errors.New("empty input")
	}

	return string(raw), nil
}

// readSecretFile strips trailing newlines, which files written by echo carry.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return "", fmt.Errorf("file %s is empty", path)
	}

	return value, nil
}
