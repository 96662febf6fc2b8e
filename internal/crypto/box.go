// Package crypto wraps the token vault and the overlay URL signer. Platform
// credentials are sealed with a secret-key AEAD before they touch storage;
// overlay URLs carry an HMAC so the browser source can be handed a link
// without a login.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	// ErrDecrypt covers tampered ciphertext, a truncated blob, and a wrong
	// key. Callers cannot tell these apart.
	ErrDecrypt = errors.New("ciphertext rejected")

	ErrKeySize = errors.New("secret must be at least 32 bytes of entropy")
)

// Box seals and opens token material with nacl secretbox. The nonce is
// random per seal and prefixed to the ciphertext.
type Box struct {
	key [keySize]byte
}

// NewBox derives the sealing key from the configured secret. Hashing lets
// operators supply a passphrase-style secret without worrying about exact
// length, while still refusing obviously weak input.
func NewBox(secret []byte) (*Box, error) {
	if len(secret) < keySize {
		return nil, ErrKeySize
	}
	box := &Box{key: sha256.Sum256(secret)}
	return box, nil
}

// Seal encrypts plaintext. Output layout is nonce || secretbox ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &b.key), nil
}

// SealString is Seal for token strings.
func (b *Box) SealString(plaintext string) ([]byte, error) {
	return b.Seal([]byte(plaintext))
}

// Open authenticates and decrypts a blob produced by Seal.
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// OpenString is Open for token strings.
func (b *Box) OpenString(ciphertext []byte) (string, error) {
	plaintext, err := b.Open(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// RandomToken returns n random bytes hex encoded. Used for OAuth state and
// PKCE verifiers; n must give at least 128 bits of entropy.
func RandomToken(n int) (string, error) {
	if n < 16 {
		n = 16
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
