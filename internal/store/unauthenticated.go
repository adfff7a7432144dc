package store

import (
	"context"
	"time"

	"github.com/justlark/notwithout.help/internal/keys"
)

// UnauthenticatedStore is the narrow, unprivileged surface available before
// a bearer token has been validated: public form lookup, the lookups the
// auth protocol itself needs (client key existence, signature-verification
// material, access logging), and form publishing / submission intake,
// neither of which requires prior authentication.
//
// Underlying unwraps to the full Store once a caller has proven identity
// through internal/auth.
type UnauthenticatedStore struct {
	store Store
}

// NewUnauthenticatedStore wraps a Store as its unauthenticated handle. Only
// cmd/notwithout-help wiring code and internal/auth should call this and
// Underlying; application code receives one or the other, never both.
func NewUnauthenticatedStore(s Store) UnauthenticatedStore {
	return UnauthenticatedStore{store: s}
}

// Underlying returns the full privileged Store. Called only by
// internal/auth after a bearer token has been validated.
func (u UnauthenticatedStore) Underlying() Store {
	return u.store
}

func (u UnauthenticatedStore) GetForm(ctx context.Context, id FormID) (Form, error) {
	return u.store.GetForm(ctx, id)
}

// PutForm publishes a new form; see Store.PutForm.
func (u UnauthenticatedStore) PutForm(ctx context.Context, id FormID, template FormTemplate, publicPrimaryKey string, expiresAt *time.Time, adminKey keys.PublicSigningKey) (ClientKeyID, error) {
	return u.store.PutForm(ctx, id, template, publicPrimaryKey, expiresAt, adminKey)
}

func (u UnauthenticatedStore) GetClientKeys(ctx context.Context, formID FormID, id ClientKeyID) (ClientKeys, error) {
	return u.store.GetClientKeys(ctx, formID, id)
}

func (u UnauthenticatedStore) PutSubmission(ctx context.Context, formID FormID, id SubmissionID, encryptedBody string) (bool, error) {
	return u.store.PutSubmission(ctx, formID, id, encryptedBody)
}

func (u UnauthenticatedStore) LogAccess(ctx context.Context, formID FormID, id ClientKeyID) error {
	return u.store.LogAccess(ctx, formID, id)
}
