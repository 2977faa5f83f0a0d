// Package e2ee implements the end-to-end encryption codec for sync frames.
// The relay and any peer must treat frames as opaque bytes; only holders of
// the room key can read or forge them.
package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// Frame layout: [version (1 byte)][nonce (12 bytes)][ciphertext + auth tag (16 bytes)].
const (
	// FrameVersion is the current wire format version byte.
	FrameVersion = 0x01

	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12

	// TagSize is the GCM authentication tag length.
	TagSize = 16

	// MinFrameSize is the smallest well-formed frame: version + nonce + tag.
	MinFrameSize = 1 + NonceSize + TagSize

	// KeySize is the required key length (AES-256).
	KeySize = 32
)

// DecryptError reports a rejected frame. Callers must treat it as "drop this
// message": in a shared relay room a frame that fails authentication is
// expected background noise (wrong key, corruption, a foreign peer), never a
// session-fatal condition.
type DecryptError struct {
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt frame: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decrypt frame: %s", e.Reason)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// Encrypt seals plaintext into a versioned frame using AES-256-GCM with a
// fresh random nonce. Nonce reuse under the same key breaks GCM entirely, so
// the nonce is always drawn from crypto/rand, never derived or counted.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	frame := make([]byte, 1+NonceSize, 1+NonceSize+len(plaintext)+TagSize)
	frame[0] = FrameVersion
	copy(frame[1:], nonce)
	return aead.Seal(frame, nonce, plaintext, nil), nil
}

// Decrypt opens a frame produced by Encrypt. Length and version are checked
// before the cipher is touched; any failure returns a *DecryptError and never
// partial plaintext.
func Decrypt(frame, key []byte) ([]byte, error) {
	if len(frame) < MinFrameSize {
		return nil, &DecryptError{Reason: fmt.Sprintf("frame too short: %d bytes", len(frame))}
	}
	if frame[0] != FrameVersion {
		return nil, &DecryptError{Reason: fmt.Sprintf("unsupported frame version: %d", frame[0])}
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := frame[1 : 1+NonceSize]
	ciphertext := frame[1+NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &DecryptError{Reason: "authentication failed", Err: err}
	}
	return plaintext, nil
}

// IsLikelyEncryptedFrame is a cheap syntactic pre-check (length and version
// byte) for diagnostics only. It must never gate a security decision; only a
// successful Decrypt proves a frame is ours.
func IsLikelyEncryptedFrame(b []byte) bool {
	return len(b) >= MinFrameSize && b[0] == FrameVersion
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
