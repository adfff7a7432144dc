// Package store implements the persistent store fronting forms, per-form
// client keys, submissions, the access log, and optional password
// parameters.
//
// The interface separates an unauthenticated, narrow surface
// (UnauthenticatedStore) from the full privileged Store: the only way to
// obtain a Store is by proving identity through internal/auth's token
// validation, so privileged operations are statically unreachable without
// first passing the auth gate.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justlark/notwithout.help/internal/keys"
)

// ErrNotFound is returned by storage implementations when a requested
// resource does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned by PutForm when the FormID is already taken.
var ErrAlreadyExists = errors.New("store: already exists")

// FormID is a public, random 8-character alphanumeric capability. Security
// never depends on its unguessability.
type FormID string

// SubmissionID is a public, random 8-character alphanumeric identifier.
// Stored even though no endpoint reads it back individually today.
type SubmissionID string

// ClientKeyID is a per-form auto-incrementing, never-recycled integer. It
// is always serialized to clients as a string, preserving freedom to
// change its representation later.
type ClientKeyID int64

func (id ClientKeyID) String() string {
	return fmt.Sprintf("%d", int64(id))
}

// FormTemplate is the versioned, client-supplied description of a form.
type FormTemplate struct {
	Version        int
	OrgName        string
	Description    string
	ContactMethods []string
}

// Form is a published collection endpoint and its metadata.
type Form struct {
	ID               FormID
	PublicPrimaryKey string
	Template         FormTemplate
	ExpiresAt        *time.Time
}

// ClientKeys is one holder's registered credential for a form.
type ClientKeys struct {
	FormID                   FormID
	ID                       ClientKeyID
	PublicSigningKey         keys.PublicSigningKey
	WrappedPrivatePrimaryKey *string
	EncryptedComment         string
	Role                     keys.AccessRole
	Protected                bool
	AccessedAt               *time.Time
}

// Submission is one encrypted contact-form response.
type Submission struct {
	ID            SubmissionID
	EncryptedBody string
	CreatedAt     time.Time
}

// PasswordParams are the opaque salt/nonce a client used to further protect
// a wrapped primary key with a password. The server never validates a
// password against these; their mere presence is what ClientKeys.Protected
// reports.
type PasswordParams struct {
	Salt  string
	Nonce string
}

// NewClientKeys describes the caller-supplied fields of a client key being
// added to a form.
type NewClientKeys struct {
	PublicSigningKey         keys.PublicSigningKey
	WrappedPrivatePrimaryKey *string
	EncryptedComment         string
	Role                     keys.AccessRole
}

// Store is the full, privileged persistent-store interface. Implementations
// must perform the cascading form deletion (submissions, access log,
// password params, keys, form) as a single atomic unit.
type Store interface {
	Close() error

	GetForm(ctx context.Context, id FormID) (Form, error)
	// PutForm atomically inserts a new form row and its first (admin)
	// client-keys row, returning the allocated ClientKeyID (always 0 for a
	// brand-new form). Returns ErrAlreadyExists if id is taken.
	PutForm(ctx context.Context, id FormID, template FormTemplate, publicPrimaryKey string, expiresAt *time.Time, adminKey keys.PublicSigningKey) (ClientKeyID, error)
	EditForm(ctx context.Context, id FormID, template FormTemplate, expiresAt *time.Time) error
	DeleteForm(ctx context.Context, id FormID) error
	// DeleteExpiredForms cascades the same as DeleteForm for every form
	// whose expiry has passed, returning the count removed.
	DeleteExpiredForms(ctx context.Context) (int, error)

	// PutSubmission returns false, rather than an error, if formID does not
	// name an existing form, so callers can distinguish 404 from 201.
	PutSubmission(ctx context.Context, formID FormID, id SubmissionID, encryptedBody string) (bool, error)
	ListSubmissions(ctx context.Context, formID FormID) ([]Submission, error)

	GetClientKeys(ctx context.Context, formID FormID, id ClientKeyID) (ClientKeys, error)
	ListClientKeys(ctx context.Context, formID FormID) ([]ClientKeys, error)
	// AddClientKeys allocates the next ClientKeyID within the form,
	// monotonically increasing and never reusing a revoked key's id.
	// Returns ErrNotFound if the form does not exist.
	AddClientKeys(ctx context.Context, formID FormID, key NewClientKeys) (ClientKeyID, error)
	// UpdateClientKeys leaves wrappedKey/comment unchanged when nil.
	UpdateClientKeys(ctx context.Context, formID FormID, id ClientKeyID, wrappedKey *string, comment *string) error
	DeleteClientKeys(ctx context.Context, formID FormID, id ClientKeyID) error

	// LogAccess is best-effort from the caller's point of view: its failure
	// must not invalidate an otherwise-successful authenticated request.
	LogAccess(ctx context.Context, formID FormID, id ClientKeyID) error

	StorePasswordParams(ctx context.Context, formID FormID, id ClientKeyID, params PasswordParams) error
	GetPasswordParams(ctx context.Context, formID FormID, id ClientKeyID) (PasswordParams, bool, error)
}

// Driver is the interface implemented by store backends.
type Driver interface {
	Open(config map[string]string) (Store, error)
}

var drivers = make(map[string]Driver)

// Register makes a store driver available under name. Panics if name is
// already registered or driver is nil.
func Register(name string, driver Driver) {
	if driver == nil {
		panic("store: driver cannot be nil")
	}
	if _, ok := drivers[name]; ok {
		panic("store: driver " + name + " is already registered")
	}
	drivers[name] = driver
}

// Open returns a new Store using the named driver.
func Open(driverName string, config map[string]string) (Store, error) {
	driver, ok := drivers[driverName]
	if !ok {
		return nil, fmt.Errorf("store: no driver of type %q found", driverName)
	}
	return driver.Open(config)
}
