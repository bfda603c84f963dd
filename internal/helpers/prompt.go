package helpers

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"
)

const MinPasswordLen = 8

// PromptSecret reads a line from the terminal without echo. The caller owns the
// returned slice and should wipe it with ZeroBytes.
func PromptSecret(prompt string) ([]byte, error) {
	_, _ = fmt.Fprint(os.Stderr, prompt)

	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		ZeroBytes(secret)
		return nil, errors.Wrap(err, "secret input failed")
	}
	return secret, nil
}

// PromptPassword reads the storage password.
func PromptPassword(prompt string) ([]byte, error) {
	pw, err := PromptSecret(prompt)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(pw); err != nil {
		ZeroBytes(pw)
		return nil, err
	}
	return pw, nil
}

// PromptPrivateKey reads a hex private key without echo.
func PromptPrivateKey() (string, error) {
	raw, err := PromptSecret("Private key (hex): ")
	if err != nil {
		return "", err
	}
	defer ZeroBytes(raw)

	key := strings.TrimSpace(string(raw))
	if !IsHexKey(key) {
		return "", errors.New("private key must be 64 hexadecimal characters")
	}
	return key, nil
}

func ValidatePassword(pw []byte) error {
	if len(pw) < MinPasswordLen {
		return errors.Newf("password must be at least %d characters long", MinPasswordLen)
	}
	for _, b := range pw {
		if b < 0x21 || b > 0x7e {
			return errors.New("password contains invalid characters (use letters, numbers, and special characters only)")
		}
	}
	return nil
}

// IsHexKey reports whether s is a 32-byte hex string, with or without a 0x prefix.
func IsHexKey(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return len(s) == 64 && isHexString(s)
}

func isHexString(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
