package identity

import (
	"fmt"
	"unicode"
)

// minPassphraseLength is the minimum number of characters in a passphrase.
const minPassphraseLength = 12

// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
var ErrWeakPassphrase = fmt.Errorf(
	"passphrase is too weak (must be at least %d characters and include upper, lower, "+
		"number, and symbol)",
	minPassphraseLength,
)

// CheckPassphrase enforces the strength policy for the at-rest store key.
func CheckPassphrase(passphrase string) error {
	if !isSecurePassphrase(passphrase) {
		return ErrWeakPassphrase
	}
	return nil
}

func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}
