// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package vault encrypts and decrypts object-storage secret keys at rest.
//
// Ciphertexts are encoded as base64(nonce):base64(tag):base64(ciphertext)
// using AES-256-GCM with a random 96-bit nonce per call. The master key is
// operator-managed and supplied out-of-band; it is never stored alongside
// the ciphertext. Rotation is an offline re-encrypt of every stored secret,
// there is no dual-key rollover.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the vault error class.
var Error = errs.Class("vault")

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// Encrypt seals plaintext with the hex-encoded 32-byte master key.
func Encrypt(plaintext, masterKeyHex string) (string, error) {
	aead, err := newAEAD(masterKeyHex)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", Error.Wrap(err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt opens an Encrypt-produced value. It returns an error, never
// panics, for a wrong key, a corrupted tag or a malformed encoding; the
// caller is expected to log and fall back.
func Decrypt(encoded, masterKeyHex string) (string, error) {
	aead, err := newAEAD(masterKeyHex)
	if err != nil {
		return "", err
	}

	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", Error.New("malformed ciphertext encoding")
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", Error.Wrap(err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", Error.Wrap(err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", Error.Wrap(err)
	}
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return "", Error.New("malformed ciphertext encoding")
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", Error.New("decryption failed")
	}
	return string(plaintext), nil
}

func newAEAD(masterKeyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(key) != keySize {
		return nil, Error.New("master key must be %d bytes", keySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return aead, nil
}
