package room

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveNameDeterministic(t *testing.T) {
	a := DeriveName("team-x", "correct")
	b := DeriveName("team-x", "correct")
	require.Equal(t, a, b)
	require.Len(t, a, KeySize*2, "token is hex of the derived bytes")

	_, err := hex.DecodeString(a)
	require.NoError(t, err)
}

func TestDeriveNamePasswordSensitivity(t *testing.T) {
	require.NotEqual(t,
		DeriveName("team-x", "correct"),
		DeriveName("team-x", "wrong"),
		"a wrong password lands in a different room")
	require.NotEqual(t,
		DeriveName("team-x", "pw"),
		DeriveName("team-y", "pw"))
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("correct", "team-x")
	b := DeriveKey("correct", "team-x")
	require.Equal(t, a, b)
	require.Len(t, a, KeySize)
	require.NotEqual(t, a, DeriveKey("wrong", "team-x"))
}

// TestTokenKeyIndependence checks the structural property behind the distinct
// salt prefixes: the disclosed token and the secret key are unrelated outputs
// even though both derive from the same inputs.
func TestTokenKeyIndependence(t *testing.T) {
	token := DeriveName("team-x", "correct")
	key := DeriveKey("correct", "team-x")
	require.NotEqual(t, token, hex.EncodeToString(key))
}

// TestSaltLengthFraming guards against ambiguous salts: ("ab", "c") and
// ("a", "bc") style room ids must not collide.
func TestSaltLengthFraming(t *testing.T) {
	require.NotEqual(t, salt(syncSaltPrefix, "ab"), salt(syncSaltPrefix, "a"))
	require.NotEqual(t, DeriveName("room:1", "pw"), DeriveName("room", ":1pw"))
}
