package ratchet

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"ciphergroup/internal/domain"
)

// Encrypt seals plaintext under mk.
func Encrypt(mk MessageKey, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk.Key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, mk.Nonce[:], plaintext, aad), nil
}

// Decrypt opens ciphertext under mk. A failed tag check is reported as
// domain.ErrAuthFailure; no plaintext is returned in that case.
func Decrypt(mk MessageKey, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk.Key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, mk.Nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: message tag mismatch", domain.ErrAuthFailure)
	}
	return pt, nil
}
