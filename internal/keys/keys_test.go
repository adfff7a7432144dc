package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublicSigningKeyVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	key, err := NewPublicSigningKey(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)

	nonce, err := NewApiChallengeNonce()
	require.NoError(t, err)

	sigBytes := ed25519.Sign(priv, nonce.raw)
	sig, err := NewClientNonceSignature(base64.StdEncoding.EncodeToString(sigBytes))
	require.NoError(t, err)

	require.NoError(t, key.Verify(nonce, sig))
}

func TestPublicSigningKeyVerifyWrongBytes(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	key, err := NewPublicSigningKey(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)

	nonce, err := NewApiChallengeNonce()
	require.NoError(t, err)

	sigBytes := ed25519.Sign(priv, []byte("invalid-nonce"))
	sig, err := NewClientNonceSignature(base64.StdEncoding.EncodeToString(sigBytes))
	require.NoError(t, err)

	require.Error(t, key.Verify(nonce, sig))
}

func TestNewPublicSigningKeyRejectsWrongLength(t *testing.T) {
	_, err := NewPublicSigningKey(base64.StdEncoding.EncodeToString([]byte("too-short")))
	require.Error(t, err)
}

func TestNewClientNonceSignatureRejectsWrongLength(t *testing.T) {
	_, err := NewClientNonceSignature(base64.StdEncoding.EncodeToString([]byte("too-short")))
	require.Error(t, err)
}

func TestEphemeralServerKeyRoundTrip(t *testing.T) {
	k, err := GenerateEphemeralServerKey()
	require.NoError(t, err)
	require.Len(t, k.Bytes(), EphemeralServerKeyLen)

	parsed, err := ParseEphemeralServerKey(k.String())
	require.NoError(t, err)
	require.Equal(t, k.Bytes(), parsed.Bytes())

	k.Destroy()
	for _, b := range k.Bytes() {
		require.Equal(t, byte(0), b)
	}
}

func TestAccessRoleIncludes(t *testing.T) {
	require.True(t, RoleAdmin.Includes(RoleAdmin))
	require.True(t, RoleAdmin.Includes(RoleRead))
	require.True(t, RoleRead.Includes(RoleRead))
	require.False(t, RoleRead.Includes(RoleAdmin))
}
