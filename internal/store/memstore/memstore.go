// Package memstore is an in-memory store.Store for development and tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/justlark/notwithout.help/internal/keys"
	"github.com/justlark/notwithout.help/internal/store"
)

func init() {
	store.Register("memory", driver{})
}

type driver struct{}

func (driver) Open(map[string]string) (store.Store, error) {
	return New(), nil
}

type formRecord struct {
	form       store.Form
	nextIndex  int64
	clientKeys map[store.ClientKeyID]store.ClientKeys
	passwords  map[store.ClientKeyID]store.PasswordParams
	submissons map[store.SubmissionID]store.Submission
}

// Store is an in-memory, mutex-guarded store.Store.
type Store struct {
	mu    sync.Mutex
	forms map[store.FormID]*formRecord
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{forms: make(map[store.FormID]*formRecord)}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetForm(_ context.Context, id store.FormID) (store.Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[id]
	if !ok {
		return store.Form{}, store.ErrNotFound
	}
	return rec.form, nil
}

func (s *Store) PutForm(_ context.Context, id store.FormID, template store.FormTemplate, publicPrimaryKey string, expiresAt *time.Time, adminKey keys.PublicSigningKey) (store.ClientKeyID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.forms[id]; ok {
		return 0, store.ErrAlreadyExists
	}

	rec := &formRecord{
		form: store.Form{
			ID:               id,
			PublicPrimaryKey: publicPrimaryKey,
			Template:         template,
			ExpiresAt:        copyTime(expiresAt),
		},
		nextIndex:  1,
		clientKeys: make(map[store.ClientKeyID]store.ClientKeys),
		passwords:  make(map[store.ClientKeyID]store.PasswordParams),
		submissons: make(map[store.SubmissionID]store.Submission),
	}
	rec.clientKeys[0] = store.ClientKeys{
		FormID:           id,
		ID:               0,
		PublicSigningKey: adminKey,
		Role:             keys.RoleAdmin,
	}
	s.forms[id] = rec
	return 0, nil
}

func (s *Store) EditForm(_ context.Context, id store.FormID, template store.FormTemplate, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.form.Template = template
	rec.form.ExpiresAt = copyTime(expiresAt)
	return nil
}

func (s *Store) DeleteForm(_ context.Context, id store.FormID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.forms, id)
	return nil
}

func (s *Store) DeleteExpiredForms(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for id, rec := range s.forms {
		if rec.form.ExpiresAt != nil && rec.form.ExpiresAt.Before(now) {
			delete(s.forms, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) PutSubmission(_ context.Context, formID store.FormID, id store.SubmissionID, encryptedBody string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[formID]
	if !ok {
		return false, nil
	}
	rec.submissons[id] = store.Submission{ID: id, EncryptedBody: encryptedBody, CreatedAt: time.Now()}
	return true, nil
}

func (s *Store) ListSubmissions(_ context.Context, formID store.FormID) ([]store.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[formID]
	if !ok {
		return make([]store.Submission, 0), nil
	}
	out := make([]store.Submission, 0, len(rec.submissons))
	for _, sub := range rec.submissons {
		out = append(out, sub)
	}
	sortSubmissionsByCreatedAtDesc(out)
	return out, nil
}

func sortSubmissionsByCreatedAtDesc(subs []store.Submission) {
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j].CreatedAt.After(subs[j-1].CreatedAt); j-- {
			subs[j], subs[j-1] = subs[j-1], subs[j]
		}
	}
}

func (s *Store) GetClientKeys(_ context.Context, formID store.FormID, id store.ClientKeyID) (store.ClientKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[formID]
	if !ok {
		return store.ClientKeys{}, store.ErrNotFound
	}
	ck, ok := rec.clientKeys[id]
	if !ok {
		return store.ClientKeys{}, store.ErrNotFound
	}
	_, ck.Protected = rec.passwords[id]
	return ck, nil
}

func (s *Store) ListClientKeys(_ context.Context, formID store.FormID) ([]store.ClientKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[formID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]store.ClientKeys, 0, len(rec.clientKeys))
	for _, ck := range rec.clientKeys {
		_, ck.Protected = rec.passwords[ck.ID]
		out = append(out, ck)
	}
	return out, nil
}

func (s *Store) AddClientKeys(_ context.Context, formID store.FormID, key store.NewClientKeys) (store.ClientKeyID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[formID]
	if !ok {
		return 0, store.ErrNotFound
	}
	id := store.ClientKeyID(rec.nextIndex)
	rec.nextIndex++
	rec.clientKeys[id] = store.ClientKeys{
		FormID:                   formID,
		ID:                       id,
		PublicSigningKey:         key.PublicSigningKey,
		WrappedPrivatePrimaryKey: key.WrappedPrivatePrimaryKey,
		EncryptedComment:         key.EncryptedComment,
		Role:                     key.Role,
	}
	return id, nil
}

func (s *Store) UpdateClientKeys(_ context.Context, formID store.FormID, id store.ClientKeyID, wrappedKey *string, comment *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[formID]
	if !ok {
		return store.ErrNotFound
	}
	ck, ok := rec.clientKeys[id]
	if !ok {
		return store.ErrNotFound
	}
	if wrappedKey != nil {
		v := *wrappedKey
		ck.WrappedPrivatePrimaryKey = &v
	}
	if comment != nil {
		ck.EncryptedComment = *comment
	}
	rec.clientKeys[id] = ck
	return nil
}

func (s *Store) DeleteClientKeys(_ context.Context, formID store.FormID, id store.ClientKeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[formID]
	if !ok {
		return nil
	}
	delete(rec.clientKeys, id)
	delete(rec.passwords, id)
	return nil
}

func (s *Store) LogAccess(_ context.Context, formID store.FormID, id store.ClientKeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[formID]
	if !ok {
		return store.ErrNotFound
	}
	ck, ok := rec.clientKeys[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	ck.AccessedAt = &now
	rec.clientKeys[id] = ck
	return nil
}

func (s *Store) StorePasswordParams(_ context.Context, formID store.FormID, id store.ClientKeyID, params store.PasswordParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[formID]
	if !ok {
		return store.ErrNotFound
	}
	rec.passwords[id] = params
	return nil
}

func (s *Store) GetPasswordParams(_ context.Context, formID store.FormID, id store.ClientKeyID) (store.PasswordParams, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forms[formID]
	if !ok {
		return store.PasswordParams{}, false, nil
	}
	params, ok := rec.passwords[id]
	return params, ok, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
