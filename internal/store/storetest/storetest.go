// Package storetest provides conformance tests that every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/justlark/notwithout.help/internal/keys"
	"github.com/justlark/notwithout.help/internal/store"
)

// RunTestSuite runs a set of conformance tests against a store.Store. newStore
// must return a fresh, empty store each time it's called.
func RunTestSuite(t *testing.T, newStore func() store.Store) {
	t.Run("PublishAndGetForm", func(t *testing.T) { testPublishAndGetForm(t, newStore()) })
	t.Run("PublishDuplicateID", func(t *testing.T) { testPublishDuplicateID(t, newStore()) })
	t.Run("EditForm", func(t *testing.T) { testEditForm(t, newStore()) })
	t.Run("DeleteFormCascades", func(t *testing.T) { testDeleteFormCascades(t, newStore()) })
	t.Run("DeleteExpiredForms", func(t *testing.T) { testDeleteExpiredForms(t, newStore()) })
	t.Run("Submissions", func(t *testing.T) { testSubmissions(t, newStore()) })
	t.Run("SubmissionMissingForm", func(t *testing.T) { testSubmissionMissingForm(t, newStore()) })
	t.Run("ClientKeyAllocationIsMonotonic", func(t *testing.T) { testClientKeyAllocationIsMonotonic(t, newStore()) })
	t.Run("ClientKeyIDsIndependentPerForm", func(t *testing.T) { testClientKeyIDsIndependentPerForm(t, newStore()) })
	t.Run("UpdateClientKeysPartial", func(t *testing.T) { testUpdateClientKeysPartial(t, newStore()) })
	t.Run("DeleteClientKeysIdempotent", func(t *testing.T) { testDeleteClientKeysIdempotent(t, newStore()) })
	t.Run("AccessedAtTracksLatestLog", func(t *testing.T) { testAccessedAtTracksLatestLog(t, newStore()) })
	t.Run("PasswordParams", func(t *testing.T) { testPasswordParams(t, newStore()) })
}

func newSigningKey(t *testing.T) keys.PublicSigningKey {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	k, err := keys.NewPublicSigningKey(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)
	return k
}

func testPublishAndGetForm(t *testing.T, s store.Store) {
	ctx := context.Background()
	formID, err := store.NewFormID()
	require.NoError(t, err)

	template := store.FormTemplate{Version: 1, OrgName: "Acme", Description: "desc", ContactMethods: []string{"email"}}
	adminKey := newSigningKey(t)

	clientKeyID, err := s.PutForm(ctx, formID, template, "pub-primary-key", nil, adminKey)
	require.NoError(t, err)
	require.Equal(t, store.ClientKeyID(0), clientKeyID)

	got, err := s.GetForm(ctx, formID)
	require.NoError(t, err)
	require.Equal(t, template, got.Template)
	require.Equal(t, "pub-primary-key", got.PublicPrimaryKey)

	admin, err := s.GetClientKeys(ctx, formID, clientKeyID)
	require.NoError(t, err)
	require.Equal(t, keys.RoleAdmin, admin.Role)
	require.Nil(t, admin.WrappedPrivatePrimaryKey)
}

func testPublishDuplicateID(t *testing.T, s store.Store) {
	ctx := context.Background()
	formID, err := store.NewFormID()
	require.NoError(t, err)

	_, err = s.PutForm(ctx, formID, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)

	_, err = s.PutForm(ctx, formID, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}

func testEditForm(t *testing.T, s store.Store) {
	ctx := context.Background()
	formID, err := store.NewFormID()
	require.NoError(t, err)
	_, err = s.PutForm(ctx, formID, store.FormTemplate{Version: 1, OrgName: "Old"}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)

	newTemplate := store.FormTemplate{Version: 1, OrgName: "New", Description: "updated", ContactMethods: []string{"phone"}}
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.EditForm(ctx, formID, newTemplate, &expiry))

	got, err := s.GetForm(ctx, formID)
	require.NoError(t, err)
	require.Equal(t, newTemplate, got.Template)
	require.NotNil(t, got.ExpiresAt)
	require.WithinDuration(t, expiry, *got.ExpiresAt, time.Second)
}

func testDeleteFormCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	formID, err := store.NewFormID()
	require.NoError(t, err)
	adminID, err := s.PutForm(ctx, formID, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)

	subID, err := store.NewSubmissionID()
	require.NoError(t, err)
	inserted, err := s.PutSubmission(ctx, formID, subID, "cipher")
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, s.LogAccess(ctx, formID, adminID))
	require.NoError(t, s.StorePasswordParams(ctx, formID, adminID, store.PasswordParams{Salt: "s", Nonce: "n"}))

	require.NoError(t, s.DeleteForm(ctx, formID))

	_, err = s.GetForm(ctx, formID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetClientKeys(ctx, formID, adminID)
	require.ErrorIs(t, err, store.ErrNotFound)

	subs, err := s.ListSubmissions(ctx, formID)
	require.NoError(t, err)
	require.Empty(t, subs)

	_, ok, err := s.GetPasswordParams(ctx, formID, adminID)
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting again is idempotent.
	require.NoError(t, s.DeleteForm(ctx, formID))
}

func testDeleteExpiredForms(t *testing.T, s store.Store) {
	ctx := context.Background()

	expiredID, err := store.NewFormID()
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	_, err = s.PutForm(ctx, expiredID, store.FormTemplate{Version: 1}, "pub", &past, newSigningKey(t))
	require.NoError(t, err)

	liveID, err := store.NewFormID()
	require.NoError(t, err)
	future := time.Now().Add(time.Hour)
	_, err = s.PutForm(ctx, liveID, store.FormTemplate{Version: 1}, "pub", &future, newSigningKey(t))
	require.NoError(t, err)

	neverExpiresID, err := store.NewFormID()
	require.NoError(t, err)
	_, err = s.PutForm(ctx, neverExpiresID, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)

	n, err := s.DeleteExpiredForms(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.GetForm(ctx, expiredID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetForm(ctx, liveID)
	require.NoError(t, err)

	_, err = s.GetForm(ctx, neverExpiresID)
	require.NoError(t, err)
}

func testSubmissions(t *testing.T, s store.Store) {
	ctx := context.Background()
	formID, err := store.NewFormID()
	require.NoError(t, err)
	_, err = s.PutForm(ctx, formID, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)

	first, err := store.NewSubmissionID()
	require.NoError(t, err)
	_, err = s.PutSubmission(ctx, formID, first, "first-body")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	second, err := store.NewSubmissionID()
	require.NoError(t, err)
	_, err = s.PutSubmission(ctx, formID, second, "second-body")
	require.NoError(t, err)

	subs, err := s.ListSubmissions(ctx, formID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	// Ordered by created_at descending.
	require.Equal(t, "second-body", subs[0].EncryptedBody)
	require.Equal(t, "first-body", subs[1].EncryptedBody)
}

func testSubmissionMissingForm(t *testing.T, s store.Store) {
	ctx := context.Background()
	subID, err := store.NewSubmissionID()
	require.NoError(t, err)
	inserted, err := s.PutSubmission(ctx, store.FormID("doesnotexist"), subID, "body")
	require.NoError(t, err)
	require.False(t, inserted)
}

func testClientKeyAllocationIsMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	formID, err := store.NewFormID()
	require.NoError(t, err)
	adminID, err := s.PutForm(ctx, formID, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)
	require.Equal(t, store.ClientKeyID(0), adminID)

	id1, err := s.AddClientKeys(ctx, formID, store.NewClientKeys{PublicSigningKey: newSigningKey(t), Role: keys.RoleRead})
	require.NoError(t, err)
	require.Equal(t, store.ClientKeyID(1), id1)

	id2, err := s.AddClientKeys(ctx, formID, store.NewClientKeys{PublicSigningKey: newSigningKey(t), Role: keys.RoleRead})
	require.NoError(t, err)
	require.Equal(t, store.ClientKeyID(2), id2)

	require.NoError(t, s.DeleteClientKeys(ctx, formID, id1))

	id3, err := s.AddClientKeys(ctx, formID, store.NewClientKeys{PublicSigningKey: newSigningKey(t), Role: keys.RoleRead})
	require.NoError(t, err)
	require.Equal(t, store.ClientKeyID(3), id3, "revoked IDs must never be recycled")

	// Deleting the highest-indexed key must not roll allocation backward: a
	// MAX(key_index)+1-style allocator would hand id3 right back out here.
	require.NoError(t, s.DeleteClientKeys(ctx, formID, id3))

	id4, err := s.AddClientKeys(ctx, formID, store.NewClientKeys{PublicSigningKey: newSigningKey(t), Role: keys.RoleRead})
	require.NoError(t, err)
	require.Equal(t, store.ClientKeyID(4), id4, "deleting the highest-indexed key must not recycle its ID")
}

func testClientKeyIDsIndependentPerForm(t *testing.T, s store.Store) {
	ctx := context.Background()
	formA, err := store.NewFormID()
	require.NoError(t, err)
	adminA, err := s.PutForm(ctx, formA, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)

	formB, err := store.NewFormID()
	require.NoError(t, err)
	adminB, err := s.PutForm(ctx, formB, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)

	require.Equal(t, store.ClientKeyID(0), adminA)
	require.Equal(t, store.ClientKeyID(0), adminB)
}

func testUpdateClientKeysPartial(t *testing.T, s store.Store) {
	ctx := context.Background()
	formID, err := store.NewFormID()
	require.NoError(t, err)
	adminID, err := s.PutForm(ctx, formID, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)

	wrapped := "wrapped-v1"
	require.NoError(t, s.UpdateClientKeys(ctx, formID, adminID, &wrapped, nil))

	got, err := s.GetClientKeys(ctx, formID, adminID)
	require.NoError(t, err)
	require.NotNil(t, got.WrappedPrivatePrimaryKey)
	require.Equal(t, wrapped, *got.WrappedPrivatePrimaryKey)
	require.Equal(t, "", got.EncryptedComment)

	comment := "a comment"
	require.NoError(t, s.UpdateClientKeys(ctx, formID, adminID, nil, &comment))

	got, err = s.GetClientKeys(ctx, formID, adminID)
	require.NoError(t, err)
	require.Equal(t, wrapped, *got.WrappedPrivatePrimaryKey, "unspecified wrapped key must be left unchanged")
	require.Equal(t, comment, got.EncryptedComment)
}

func testDeleteClientKeysIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	formID, err := store.NewFormID()
	require.NoError(t, err)
	_, err = s.PutForm(ctx, formID, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)

	id, err := s.AddClientKeys(ctx, formID, store.NewClientKeys{PublicSigningKey: newSigningKey(t), Role: keys.RoleRead})
	require.NoError(t, err)

	require.NoError(t, s.DeleteClientKeys(ctx, formID, id))
	require.NoError(t, s.DeleteClientKeys(ctx, formID, id))

	_, err = s.GetClientKeys(ctx, formID, id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testAccessedAtTracksLatestLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	formID, err := store.NewFormID()
	require.NoError(t, err)
	adminID, err := s.PutForm(ctx, formID, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)

	got, err := s.GetClientKeys(ctx, formID, adminID)
	require.NoError(t, err)
	require.Nil(t, got.AccessedAt)

	require.NoError(t, s.LogAccess(ctx, formID, adminID))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.LogAccess(ctx, formID, adminID))

	got, err = s.GetClientKeys(ctx, formID, adminID)
	require.NoError(t, err)
	require.NotNil(t, got.AccessedAt)
}

func testPasswordParams(t *testing.T, s store.Store) {
	ctx := context.Background()
	formID, err := store.NewFormID()
	require.NoError(t, err)
	adminID, err := s.PutForm(ctx, formID, store.FormTemplate{Version: 1}, "pub", nil, newSigningKey(t))
	require.NoError(t, err)

	_, ok, err := s.GetPasswordParams(ctx, formID, adminID)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.GetClientKeys(ctx, formID, adminID)
	require.NoError(t, err)
	require.False(t, got.Protected)

	require.NoError(t, s.StorePasswordParams(ctx, formID, adminID, store.PasswordParams{Salt: "salt", Nonce: "nonce"}))

	params, ok, err := s.GetPasswordParams(ctx, formID, adminID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "salt", params.Salt)

	got, err = s.GetClientKeys(ctx, formID, adminID)
	require.NoError(t, err)
	require.True(t, got.Protected)
}
