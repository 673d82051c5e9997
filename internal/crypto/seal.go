package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"ciphergroup/internal/domain"
	"ciphergroup/internal/util/memzero"
)

// ErrOpen is returned when a sealed box cannot be opened.
var ErrOpen = errors.New("crypto: sealed box open failed")

// Seal encrypts plaintext to the holder of pub's private key using a fresh
// ephemeral X25519 key. info separates protocol uses; aad is authenticated
// but not encrypted.
func Seal(pub domain.X25519Public, info, aad, plaintext []byte) (domain.X25519Public, []byte, error) {
	ephPriv, ephPub, err := GenerateX25519()
	if err != nil {
		return domain.X25519Public{}, nil, err
	}
	defer memzero.Zero(ephPriv[:])

	shared, err := DH(ephPriv, pub)
	if err != nil {
		return domain.X25519Public{}, nil, err
	}
	defer memzero.Zero(shared[:])

	key, nonce, err := sealParams(shared[:], ephPub, pub, info)
	if err != nil {
		return domain.X25519Public{}, nil, err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return domain.X25519Public{}, nil, err
	}
	return ephPub, aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open reverses Seal with the recipient's private key.
func Open(priv domain.X25519Private, eph domain.X25519Public, info, aad, ciphertext []byte) ([]byte, error) {
	pub, err := PublicX25519(priv)
	if err != nil {
		return nil, err
	}
	shared, err := DH(priv, eph)
	if err != nil {
		return nil, ErrOpen
	}
	defer memzero.Zero(shared[:])

	key, nonce, err := sealParams(shared[:], eph, pub, info)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

func sealParams(shared []byte, eph, recipient domain.X25519Public, info []byte) ([]byte, []byte, error) {
	salt := make([]byte, 0, 64)
	salt = append(salt, eph[:]...)
	salt = append(salt, recipient[:]...)

	r := hkdf.New(sha256.New, shared, salt, info)
	out := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, err
	}
	return out[:chacha20poly1305.KeySize], out[chacha20poly1305.KeySize:], nil
}
