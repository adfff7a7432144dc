package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"
	jose "gopkg.in/square/go-jose.v2"

	"github.com/justlark/notwithout.help/internal/keys"
	"github.com/justlark/notwithout.help/internal/keystore/memstore"
	"github.com/justlark/notwithout.help/internal/store"
	storememory "github.com/justlark/notwithout.help/internal/store/memstore"
)

const testOrigin = "https://forms.example.org"

type harness struct {
	auth       *Authenticator
	store      store.Store
	unauth     store.UnauthenticatedStore
	formID     store.FormID
	adminID    store.ClientKeyID
	adminPriv  ed25519.PrivateKey
	adminPub   keys.PublicSigningKey
}

func newHarness(t *testing.T) *harness {
	backing := storememory.New()
	unauth := store.NewUnauthenticatedStore(backing)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubKey, err := keys.NewPublicSigningKey(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)

	formID, err := store.NewFormID()
	require.NoError(t, err)
	adminID, err := backing.PutForm(context.Background(), formID, store.FormTemplate{Version: 1, OrgName: "Acme"}, "pub-primary", nil, pubKey)
	require.NoError(t, err)

	a := New(memstore.New(clock.New()), unauth, Config{
		Origin:            testOrigin,
		AccessTokenExp:    time.Minute,
		ChallengeTokenExp: time.Minute,
	})

	return &harness{
		auth:      a,
		store:     backing,
		unauth:    unauth,
		formID:    formID,
		adminID:   adminID,
		adminPriv: priv,
		adminPub:  pubKey,
	}
}

func signNonce(priv ed25519.PrivateKey, nonce []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, nonce))
}

func extractNonce(t *testing.T, challengeToken string) keys.ApiChallengeNonce {
	object, err := jose.ParseSigned(challengeToken)
	require.NoError(t, err)
	var claims challengeClaims
	require.NoError(t, json.Unmarshal(object.UnsafePayloadWithoutVerification(), &claims))
	nonce, err := keys.ParseApiChallengeNonce(claims.Nonce)
	require.NoError(t, err)
	return nonce
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	challenge, err := h.auth.RequestChallenge(ctx, h.formID, h.adminID)
	require.NoError(t, err)

	nonce := extractNonce(t, challenge)
	sig := signNonce(h.adminPriv, nonceBytes(t, nonce))

	token, err := h.auth.RequestAccessToken(ctx, challenge, sig)
	require.NoError(t, err)

	result, err := h.auth.Validate(ctx, token, h.formID, keys.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, h.formID, result.FormID)
	require.Equal(t, h.adminID, result.ClientKeyID)
	require.Equal(t, keys.RoleAdmin, result.Role)
}

func TestWrongNonceSignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	challenge, err := h.auth.RequestChallenge(ctx, h.formID, h.adminID)
	require.NoError(t, err)

	badSig := signNonce(h.adminPriv, []byte("invalid-nonce"))
	_, err = h.auth.RequestAccessToken(ctx, challenge, badSig)
	requireAuthError(t, err, Unauthorized)
}

func TestSubstitutedChallengeString(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	challenge, err := h.auth.RequestChallenge(ctx, h.formID, h.adminID)
	require.NoError(t, err)
	nonce := extractNonce(t, challenge)
	sig := signNonce(h.adminPriv, nonceBytes(t, nonce))

	_, err = h.auth.RequestAccessToken(ctx, "invalid-challenge", sig)
	requireAuthError(t, err, Unauthorized)
}

func TestChallengeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	challenge, err := h.auth.RequestChallenge(ctx, h.formID, h.adminID)
	require.NoError(t, err)
	nonce := extractNonce(t, challenge)
	sig := signNonce(h.adminPriv, nonceBytes(t, nonce))

	_, err = h.auth.RequestAccessToken(ctx, challenge, sig)
	require.NoError(t, err)

	_, err = h.auth.RequestAccessToken(ctx, challenge, sig)
	requireAuthError(t, err, Unauthorized)
}

func TestChallengeTokenRejectedAsBearer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	challenge, err := h.auth.RequestChallenge(ctx, h.formID, h.adminID)
	require.NoError(t, err)

	_, err = h.auth.Validate(ctx, challenge, h.formID, keys.RoleAdmin)
	requireAuthError(t, err, Unauthorized)
}

func TestAccessTokenScopedToItsForm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token := issueToken(t, h)

	otherForm, err := store.NewFormID()
	require.NoError(t, err)
	_, err = h.store.PutForm(ctx, otherForm, store.FormTemplate{Version: 1}, "pub", nil, h.adminPub)
	require.NoError(t, err)

	_, err = h.auth.Validate(ctx, token, otherForm, keys.RoleAdmin)
	requireAuthError(t, err, Forbidden)
}

func TestRevocationIsImmediate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token := issueToken(t, h)

	require.NoError(t, h.store.DeleteClientKeys(ctx, h.formID, h.adminID))

	_, err := h.auth.Validate(ctx, token, h.formID, keys.RoleAdmin)
	requireAuthError(t, err, Unauthorized)
}

func TestReadRoleForbiddenOnAdminEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	readID, err := h.store.AddClientKeys(ctx, h.formID, store.NewClientKeys{PublicSigningKey: h.adminPub, Role: keys.RoleRead})
	require.NoError(t, err)

	challenge, err := h.auth.RequestChallenge(ctx, h.formID, readID)
	require.NoError(t, err)
	nonce := extractNonce(t, challenge)
	sig := signNonce(h.adminPriv, nonceBytes(t, nonce))
	token, err := h.auth.RequestAccessToken(ctx, challenge, sig)
	require.NoError(t, err)

	_, err = h.auth.Validate(ctx, token, h.formID, keys.RoleAdmin)
	requireAuthError(t, err, Forbidden)

	_, err = h.auth.Validate(ctx, token, h.formID, keys.RoleRead)
	require.NoError(t, err)
}

func TestExpiredEphemeralKeyInvalidatesToken(t *testing.T) {
	fc := clock.NewFake()
	backing := storememory.New()
	unauth := store.NewUnauthenticatedStore(backing)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubKey, err := keys.NewPublicSigningKey(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)
	formID, err := store.NewFormID()
	require.NoError(t, err)
	adminID, err := backing.PutForm(context.Background(), formID, store.FormTemplate{Version: 1}, "pub", nil, pubKey)
	require.NoError(t, err)

	a := New(memstore.New(fc), unauth, Config{
		Origin:            testOrigin,
		AccessTokenExp:    time.Minute,
		ChallengeTokenExp: time.Minute,
	})

	ctx := context.Background()
	challenge, err := a.RequestChallenge(ctx, formID, adminID)
	require.NoError(t, err)
	nonce := extractNonce(t, challenge)
	sig := signNonce(priv, nonceBytes(t, nonce))
	token, err := a.RequestAccessToken(ctx, challenge, sig)
	require.NoError(t, err)

	fc.Add(3 * time.Minute)

	_, err = a.Validate(ctx, token, formID, keys.RoleAdmin)
	requireAuthError(t, err, Unauthorized)
}

func issueToken(t *testing.T, h *harness) string {
	ctx := context.Background()
	challenge, err := h.auth.RequestChallenge(ctx, h.formID, h.adminID)
	require.NoError(t, err)
	nonce := extractNonce(t, challenge)
	sig := signNonce(h.adminPriv, nonceBytes(t, nonce))
	token, err := h.auth.RequestAccessToken(ctx, challenge, sig)
	require.NoError(t, err)
	return token
}

func nonceBytes(t *testing.T, nonce keys.ApiChallengeNonce) []byte {
	raw, err := base64.StdEncoding.DecodeString(nonce.String())
	require.NoError(t, err)
	return raw
}

func requireAuthError(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	require.Error(t, err)
	authErr, ok := err.(*Error)
	require.True(t, ok, "expected *auth.Error, got %T: %v", err, err)
	require.Equal(t, kind, authErr.Kind)
}
