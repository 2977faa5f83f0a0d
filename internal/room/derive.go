// Package room derives the relay-facing room token and the end-to-end
// encryption key from a room id and password.
//
// Both derivations run PBKDF2 (HMAC-SHA-256, 210k iterations) over the
// password with salts that share the room id but carry distinct prefixes, so
// the token and the key are cryptographically independent: the token is safe
// to disclose to the relay, the key never leaves the process.
//
// A wrong password produces a different, valid-looking token. Peers with
// mismatched passwords land in disjoint, silently empty rooms; there is
// deliberately no "wrong password" signal.
package room

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2 iteration count, per current OWASP guidance
	// for HMAC-SHA-256.
	Iterations = 210_000

	// KeySize is the derived key length in bytes (AES-256).
	KeySize = 32

	syncSaltPrefix = "devs-sync"
	e2eeSaltPrefix = "devs-e2ee"
)

// salt builds the derivation salt: "<prefix>:<len(roomID)>:<roomID>". The
// length component keeps distinct room ids from colliding under
// concatenation.
func salt(prefix, roomID string) []byte {
	return []byte(fmt.Sprintf("%s:%d:%s", prefix, len(roomID), roomID))
}

// DeriveName returns the opaque room token for (roomID, password). The token
// is a capability: knowing it grants access to the room's ciphertext stream,
// but not to the encryption key.
func DeriveName(roomID, password string) string {
	token := pbkdf2.Key([]byte(password), salt(syncSaltPrefix, roomID), Iterations, KeySize, sha256.New)
	return hex.EncodeToString(token)
}

// DeriveKey returns the 32-byte symmetric encryption key for
// (password, roomID). The result must never be sent anywhere.
func DeriveKey(password, roomID string) []byte {
	return pbkdf2.Key([]byte(password), salt(e2eeSaltPrefix, roomID), Iterations, KeySize, sha256.New)
}
