// Package auth implements the challenge-response authentication protocol:
// minting ephemeral-key-bound challenge tokens, exchanging a signed
// challenge for an access token, and validating bearer tokens with role
// enforcement and access logging.
//
// Tokens are HS256 JWS built with gopkg.in/square/go-jose.v2 directly,
// with no convenience JWT layer, because the claim set is small and
// non-standard (a "type" discriminator, form-scoped "sub").
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	jose "gopkg.in/square/go-jose.v2"

	"github.com/justlark/notwithout.help/internal/keys"
	"github.com/justlark/notwithout.help/internal/keystore"
	"github.com/justlark/notwithout.help/internal/store"
)

// ErrorKind discriminates the two auth-layer failure modes: identity not
// proven, versus identity proven but insufficient.
type ErrorKind int

const (
	Unauthorized ErrorKind = iota
	Forbidden
)

func (k ErrorKind) String() string {
	if k == Forbidden {
		return "forbidden"
	}
	return "unauthorized"
}

// Error is the typed error surfaced by every auth operation that fails for
// a reason the caller should distinguish. Every other failure is an
// ordinary error and maps to 500 at the request boundary.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func unauthorized(reason string) error {
	return &Error{Kind: Unauthorized, Reason: reason}
}

func forbidden(reason string) error {
	return &Error{Kind: Forbidden, Reason: reason}
}

const (
	tokenTypeChallenge = "challenge"
	tokenTypeAccess    = "access"
)

// Config holds the request-independent settings every token mint and
// validation needs.
type Config struct {
	// Origin is used as both aud and iss on minted tokens, and is the sole
	// member of the allowed-origin set checked on incoming tokens.
	Origin string

	AccessTokenExp    time.Duration
	ChallengeTokenExp time.Duration
}

// Authenticator issues challenges and access tokens and validates bearer
// tokens against a TTL keystore and the unauthenticated store handle.
type Authenticator struct {
	keys   keystore.Store
	store  store.UnauthenticatedStore
	config Config
}

// New builds an Authenticator. keyStore backs ephemeral keys and challenge
// markers; unauthStore is the narrow handle used to resolve client-keys
// rows without yet holding proof of identity.
func New(keyStore keystore.Store, unauthStore store.UnauthenticatedStore, config Config) *Authenticator {
	return &Authenticator{keys: keyStore, store: unauthStore, config: config}
}

type challengeClaims struct {
	Type  string `json:"type"`
	Sub   string `json:"sub"`
	Aud   string `json:"aud"`
	Iss   string `json:"iss"`
	Jti   string `json:"jti"`
	Nonce string `json:"nonce"`
	Iat   int64  `json:"iat"`
	Exp   int64  `json:"exp"`
}

type accessClaims struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Sub  string `json:"sub"`
	Aud  string `json:"aud"`
	Iss  string `json:"iss"`
	Iat  int64  `json:"iat"`
	Exp  int64  `json:"exp"`
}

func subject(formID store.FormID, clientKeyID store.ClientKeyID) string {
	return fmt.Sprintf("%s/%s", formID, clientKeyID)
}

func parseSubject(sub string) (store.FormID, store.ClientKeyID, error) {
	formID, idPart, ok := strings.Cut(sub, "/")
	if !ok || formID == "" {
		return "", 0, fmt.Errorf("auth: malformed subject %q", sub)
	}
	clientKeyID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("auth: malformed subject %q", sub)
	}
	return store.FormID(formID), store.ClientKeyID(clientKeyID), nil
}

func sign(secret []byte, kid string, claims interface{}) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("auth: marshal claims: %w", err)
	}

	opts := (&jose.SignerOptions{}).WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, opts)
	if err != nil {
		return "", fmt.Errorf("auth: new signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return jws.CompactSerialize()
}

// parseAndVerify parses a compact JWS, looks up its ephemeral key by kid,
// and verifies the signature, returning the verified payload bytes and the
// server key id used. It does not interpret claims; callers decode into
// the claims shape appropriate to the expected token type.
func (a *Authenticator) parseAndVerify(ctx context.Context, token string) ([]byte, string, error) {
	object, err := jose.ParseSigned(token)
	if err != nil {
		return nil, "", unauthorized("malformed token")
	}
	if len(object.Signatures) != 1 {
		return nil, "", unauthorized("malformed token")
	}
	header := object.Signatures[0].Header
	if header.Algorithm != string(jose.HS256) {
		return nil, "", unauthorized("unexpected signing algorithm")
	}
	kid := header.KeyID
	if kid == "" {
		return nil, "", unauthorized("missing key id")
	}

	secretB64, err := a.keys.Get(ctx, keystore.EphemeralKeyNamespace(kid))
	if err != nil {
		if err == keystore.ErrNotFound {
			return nil, "", unauthorized("ephemeral key not found")
		}
		return nil, "", fmt.Errorf("auth: fetch ephemeral key: %w", err)
	}
	ephemeralKey, err := keys.ParseEphemeralServerKey(secretB64)
	if err != nil {
		return nil, "", fmt.Errorf("auth: parse ephemeral key: %w", err)
	}
	defer ephemeralKey.Destroy()

	payload, err := object.Verify(ephemeralKey.Bytes())
	if err != nil {
		return nil, "", unauthorized("signature verification failed")
	}
	return payload, kid, nil
}

func (a *Authenticator) checkOrigin(aud, iss string) error {
	if aud != a.config.Origin || iss != a.config.Origin {
		return unauthorized("unrecognized aud/iss")
	}
	return nil
}

// RequestChallenge mints a fresh ephemeral key, a single-use challenge id,
// and a signed challenge token binding them to (formID, clientKeyID). It
// deliberately does not check that clientKeyID exists, so a client can
// poll a not-yet-created key without learning whether it exists; the
// signature check in RequestAccessToken fails for an unregistered key.
func (a *Authenticator) RequestChallenge(ctx context.Context, formID store.FormID, clientKeyID store.ClientKeyID) (string, error) {
	ephemeralKey, err := keys.GenerateEphemeralServerKey()
	if err != nil {
		return "", fmt.Errorf("auth: generate ephemeral key: %w", err)
	}
	defer ephemeralKey.Destroy()

	serverKeyID := uuid.New().String()
	if err := a.keys.Put(ctx, keystore.EphemeralKeyNamespace(serverKeyID), ephemeralKey.String(), 2*a.config.AccessTokenExp); err != nil {
		return "", fmt.Errorf("auth: store ephemeral key: %w", err)
	}

	challengeID := uuid.New().String()
	if err := a.keys.Put(ctx, keystore.ChallengeNamespace(challengeID), "", 2*a.config.ChallengeTokenExp); err != nil {
		return "", fmt.Errorf("auth: store challenge marker: %w", err)
	}

	nonce, err := keys.NewApiChallengeNonce()
	if err != nil {
		return "", fmt.Errorf("auth: generate nonce: %w", err)
	}

	now := time.Now().UTC()
	claims := challengeClaims{
		Type:  tokenTypeChallenge,
		Sub:   subject(formID, clientKeyID),
		Aud:   a.config.Origin,
		Iss:   a.config.Origin,
		Jti:   challengeID,
		Nonce: nonce.String(),
		Iat:   now.Unix(),
		Exp:   now.Add(a.config.ChallengeTokenExp).Unix(),
	}

	return sign(ephemeralKey.Bytes(), serverKeyID, claims)
}

// RequestAccessToken validates a signed challenge and the caller's
// signature over its embedded nonce, consumes the challenge, and mints an
// access token bound to the same ephemeral key. Reusing the challenge's
// key gives the access token a hard lifetime bound: once the ephemeral
// key's TTL elapses, every token it signed is dead.
func (a *Authenticator) RequestAccessToken(ctx context.Context, challengeToken string, signatureB64 string) (string, error) {
	payload, kid, err := a.parseAndVerify(ctx, challengeToken)
	if err != nil {
		return "", err
	}

	var claims challengeClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", unauthorized("malformed challenge claims")
	}

	// Type discrimination comes before any other claim is trusted: an
	// access token fed back through this endpoint must die here, not
	// deeper in.
	if claims.Type != tokenTypeChallenge {
		return "", unauthorized("wrong token type")
	}
	if err := a.checkOrigin(claims.Aud, claims.Iss); err != nil {
		return "", err
	}
	now := time.Now().UTC().Unix()
	if claims.Iat > claims.Exp || now >= claims.Exp {
		return "", unauthorized("challenge expired")
	}

	// jti lookup, then delete-before-issue: this ordering guarantees
	// at-most-once issuance per challenge even under a retried request.
	if _, err := a.keys.Get(ctx, keystore.ChallengeNamespace(claims.Jti)); err != nil {
		if err == keystore.ErrNotFound {
			return "", unauthorized("challenge already used or expired")
		}
		return "", fmt.Errorf("auth: fetch challenge marker: %w", err)
	}
	if err := a.keys.Delete(ctx, keystore.ChallengeNamespace(claims.Jti)); err != nil {
		return "", fmt.Errorf("auth: consume challenge: %w", err)
	}

	formID, clientKeyID, err := parseSubject(claims.Sub)
	if err != nil {
		return "", unauthorized("malformed subject")
	}

	clientKeys, err := a.store.GetClientKeys(ctx, formID, clientKeyID)
	if err != nil {
		if err == store.ErrNotFound {
			return "", unauthorized("unknown client key")
		}
		return "", fmt.Errorf("auth: fetch client keys: %w", err)
	}

	nonce, err := keys.ParseApiChallengeNonce(claims.Nonce)
	if err != nil {
		return "", unauthorized("malformed nonce")
	}
	signature, err := keys.NewClientNonceSignature(signatureB64)
	if err != nil {
		return "", unauthorized("malformed signature")
	}
	if err := clientKeys.PublicSigningKey.Verify(nonce, signature); err != nil {
		return "", unauthorized("signature invalid")
	}

	secretB64, err := a.keys.Get(ctx, keystore.EphemeralKeyNamespace(kid))
	if err != nil {
		return "", fmt.Errorf("auth: re-fetch ephemeral key: %w", err)
	}
	ephemeralKey, err := keys.ParseEphemeralServerKey(secretB64)
	if err != nil {
		return "", fmt.Errorf("auth: parse ephemeral key: %w", err)
	}
	defer ephemeralKey.Destroy()

	issueNow := time.Now().UTC()
	granted := accessClaims{
		Type: tokenTypeAccess,
		Role: string(clientKeys.Role),
		Sub:  claims.Sub,
		Aud:  claims.Aud,
		Iss:  claims.Iss,
		Iat:  issueNow.Unix(),
		Exp:  issueNow.Add(a.config.AccessTokenExp).Unix(),
	}

	return sign(ephemeralKey.Bytes(), kid, granted)
}

// Result is the outcome of a successful Validate: the underlying
// privileged store handle (now reachable only because identity has been
// proven) and the resolved client key id, useful for audit and for
// logging "who did this".
type Result struct {
	Store       store.Store
	FormID      store.FormID
	ClientKeyID store.ClientKeyID
	Role        keys.AccessRole
}

// Validate decodes and verifies an access token, checks type
// discrimination, form binding, client-key existence, and role
// sufficiency, then logs access. Returns a *Error with Kind Unauthorized
// or Forbidden on any auth-layer failure; any other error is an internal
// failure.
func (a *Authenticator) Validate(ctx context.Context, token string, expectedFormID store.FormID, requiredRole keys.AccessRole) (Result, error) {
	payload, _, err := a.parseAndVerify(ctx, token)
	if err != nil {
		return Result{}, err
	}

	var claims accessClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Result{}, unauthorized("malformed access claims")
	}

	// A challenge token presented as a bearer must be rejected on its
	// type, before any other claim is trusted.
	if claims.Type != tokenTypeAccess {
		return Result{}, unauthorized("wrong token type")
	}
	if err := a.checkOrigin(claims.Aud, claims.Iss); err != nil {
		return Result{}, err
	}
	now := time.Now().UTC().Unix()
	if now >= claims.Exp {
		return Result{}, unauthorized("token expired")
	}

	formID, clientKeyID, err := parseSubject(claims.Sub)
	if err != nil {
		return Result{}, unauthorized("malformed subject")
	}
	if formID != expectedFormID {
		return Result{}, forbidden("token not valid for this form")
	}

	clientKeys, err := a.store.GetClientKeys(ctx, formID, clientKeyID)
	if err != nil {
		if err == store.ErrNotFound {
			return Result{}, unauthorized("client key revoked")
		}
		return Result{}, fmt.Errorf("auth: fetch client keys: %w", err)
	}

	role := keys.AccessRole(claims.Role)
	if !role.Valid() {
		return Result{}, unauthorized("invalid role claim")
	}
	if !role.Includes(requiredRole) {
		return Result{}, forbidden("insufficient role")
	}

	// Best-effort: a logging failure must never deny an otherwise-valid
	// caller.
	if err := a.store.LogAccess(ctx, formID, clientKeyID); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"form_id":       formID,
			"client_key_id": clientKeyID,
		}).Warn("record access time")
	}

	return Result{
		Store:       a.store.Underlying(),
		FormID:      formID,
		ClientKeyID: clientKeyID,
		Role:        clientKeys.Role,
	}, nil
}
