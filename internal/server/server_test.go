package server

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"

	"github.com/justlark/notwithout.help/internal/auth"
	"github.com/justlark/notwithout.help/internal/keystore/memstore"
	"github.com/justlark/notwithout.help/internal/store"
	storememory "github.com/justlark/notwithout.help/internal/store/memstore"
)

const testOrigin = "https://forms.example.org"

func newTestServer() (*Server, ed25519.PrivateKey) {
	_, priv, _ := ed25519.GenerateKey(nil)

	backing := storememory.New()
	unauth := store.NewUnauthenticatedStore(backing)
	authenticator := auth.New(memstore.New(clock.New()), unauth, auth.Config{
		Origin:            testOrigin,
		AccessTokenExp:    time.Minute,
		ChallengeTokenExp: time.Minute,
	})

	s := New(authenticator, unauth, Config{Origin: testOrigin, MaxRequestBodyLen: 1 << 20}, nil)
	return s, priv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHappyPathEndToEnd(t *testing.T) {
	s, priv := newTestServer()
	h := s.Handler()

	pub := priv.Public().(ed25519.PublicKey)
	rec := doJSON(t, h, http.MethodPost, "/forms", publishFormRequest{
		PublicPrimaryKey: "opaque-primary-key",
		PublicSigningKey: base64.StdEncoding.EncodeToString(pub),
		OrgName:          "Acme",
		Description:      "desc",
		ContactMethods:   []string{"email"},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var published publishFormResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &published))
	require.Equal(t, "0", published.ClientKeyID)

	rec = doJSON(t, h, http.MethodGet, "/forms/"+published.FormID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/challenges/"+published.FormID+"/"+published.ClientKeyID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var challengeResp challengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challengeResp))

	nonce := decodeNonce(t, challengeResp.Challenge)
	sig := ed25519.Sign(priv, nonce)

	rec = doJSON(t, h, http.MethodPost, "/tokens", requestTokenRequest{
		Signature: base64.StdEncoding.EncodeToString(sig),
		Challenge: challengeResp.Challenge,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tokenResp requestTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokenResp))

	rec = doJSON(t, h, http.MethodGet, "/submissions/"+published.FormID, nil, tokenResp.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/submissions/"+published.FormID, putSubmissionRequest{EncryptedBody: "ciphertext"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/submissions/"+published.FormID, nil, tokenResp.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	var subs []submissionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &subs))
	require.Len(t, subs, 1)
	require.Equal(t, "ciphertext", subs[0].EncryptedBody)
}

func TestChallengeTokenRejectedOnProtectedEndpoint(t *testing.T) {
	s, priv := newTestServer()
	h := s.Handler()

	pub := priv.Public().(ed25519.PublicKey)
	rec := doJSON(t, h, http.MethodPost, "/forms", publishFormRequest{
		PublicPrimaryKey: "opaque",
		PublicSigningKey: base64.StdEncoding.EncodeToString(pub),
		OrgName:          "Acme",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var published publishFormResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &published))

	rec = doJSON(t, h, http.MethodPost, "/challenges/"+published.FormID+"/"+published.ClientKeyID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var challengeResp challengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challengeResp))

	rec = doJSON(t, h, http.MethodDelete, "/forms/"+published.FormID, nil, challengeResp.Challenge)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"error": "unauthorized"}`, rec.Body.String())
}

func TestGetMissingFormIs404(t *testing.T) {
	s, _ := newTestServer()
	h := s.Handler()
	rec := doJSON(t, h, http.MethodGet, "/forms/doesnotexist", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func decodeNonce(t *testing.T, token string) []byte {
	t.Helper()
	parts := bytes.SplitN([]byte(token), []byte("."), 3)
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(string(parts[1]))
	require.NoError(t, err)
	var claims struct {
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(payload, &claims))
	nonce, err := base64.StdEncoding.DecodeString(claims.Nonce)
	require.NoError(t, err)
	return nonce
}
