package sessionkeys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// encryptionInfo is the HKDF context string binding derived keys to this
// exact use, so a secret derived here can never be replayed against a
// different derivation in the codebase.
const encryptionInfo = "alancoin-session-key-v1"

// encryptPrivateKey encrypts a session key's private key (hex-encoded,
// no 0x prefix) using a key derived from userSignature via HKDF-SHA256,
// then AES-256-GCM. The nonce is stored alongside the ciphertext; the
// stored blob is hex-encoded "nonce || ciphertext".
func encryptPrivateKey(privateKeyHex string, userSignature string) (string, error) {
	block, err := newCipherBlock(userSignature)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to init GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(privateKeyHex), nil)
	return hex.EncodeToString(sealed), nil
}

// decryptPrivateKey reverses encryptPrivateKey. It fails with a wrapped
// error if userSignature doesn't match the secret used to encrypt, since
// GCM authentication fails closed rather than returning garbage.
func decryptPrivateKey(encryptedHex string, userSignature string) (string, error) {
	block, err := newCipherBlock(userSignature)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to init GCM: %w", err)
	}

	sealed, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return "", fmt.Errorf("invalid encrypted private key encoding: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("encrypted private key too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt private key: %w", err)
	}
	return string(plaintext), nil
}

// newCipherBlock derives a 32-byte AES-256 key from userSignature via
// HKDF-SHA256 and builds the corresponding cipher.Block. The signature
// itself is never used directly as a key: it's attacker-influenced
// input (the owner's wallet signs it) and HKDF is the standard way to
// turn variable-length, possibly-low-entropy material into a uniform key.
func newCipherBlock(userSignature string) (cipher.Block, error) {
	kdf := hkdf.New(sha256.New, []byte(userSignature), nil, []byte(encryptionInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	return block, nil
}
