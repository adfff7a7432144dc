// Package sqlstore is a SQLite-backed store.Store: a single *sql.DB,
// explicit Begin/Commit on multi-statement writes, and a rollback helper
// that preserves the original error.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/justlark/notwithout.help/internal/keys"
	"github.com/justlark/notwithout.help/internal/store"
)

func init() {
	store.Register("sqlite3", driver{})
}

type driver struct{}

// Open opens (and, if necessary, creates) a SQLite-backed store.Store. The
// config key "path" names the database file; ":memory:" is valid for tests.
func (driver) Open(config map[string]string) (store.Store, error) {
	path, ok := config["path"]
	if !ok || path == "" {
		return nil, errors.New("sqlstore: config key \"path\" is required")
	}
	return Open(path)
}

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sqlstore: ping %s: %w", path, err)
	}
	// SQLite permits only one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent requests instead of tuning busy_timeout.
	// It also serializes per-form key-index allocation.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS forms (
	id TEXT PRIMARY KEY,
	public_primary_key TEXT NOT NULL,
	template TEXT NOT NULL,
	expires_at TEXT,
	created_at TEXT NOT NULL,
	next_key_index INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS client_keys (
	form_id TEXT NOT NULL REFERENCES forms(id) ON DELETE CASCADE,
	key_index INTEGER NOT NULL,
	public_signing_key TEXT NOT NULL,
	wrapped_private_primary_key TEXT,
	encrypted_comment TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (form_id, key_index)
);

CREATE TABLE IF NOT EXISTS submissions (
	form_id TEXT NOT NULL REFERENCES forms(id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	encrypted_body TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (form_id, id)
);

CREATE TABLE IF NOT EXISTS access_log (
	form_id TEXT NOT NULL,
	key_index INTEGER NOT NULL,
	accessed_at TEXT NOT NULL,
	FOREIGN KEY (form_id, key_index) REFERENCES client_keys(form_id, key_index) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS password_params (
	form_id TEXT NOT NULL,
	key_index INTEGER NOT NULL,
	salt TEXT NOT NULL,
	nonce TEXT NOT NULL,
	PRIMARY KEY (form_id, key_index),
	FOREIGN KEY (form_id, key_index) REFERENCES client_keys(form_id, key_index) ON DELETE CASCADE
);
`)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// rollback rolls tx back and folds any rollback error into err.
func rollback(tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
	}
	return err
}

// timeFormat is SQLite's canonical datetime form. All stored timestamps are
// UTC; the format collates lexicographically in time order, so timestamp
// comparisons in SQL work on the raw strings.
const timeFormat = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeFormat, s, time.UTC)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullableTime(raw sql.NullString, context string) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, fmt.Errorf("%s: bad timestamp %q: %w", context, raw.String, err)
	}
	return &t, nil
}

// storedTemplate is the JSON layout of the forms.template column. Version
// is explicit so the layout can be migrated later.
type storedTemplate struct {
	Version        int      `json:"version"`
	OrgName        string   `json:"org_name"`
	Description    string   `json:"description"`
	ContactMethods []string `json:"contact_methods"`
}

func marshalTemplate(t store.FormTemplate) (string, error) {
	data, err := json.Marshal(storedTemplate{
		Version:        t.Version,
		OrgName:        t.OrgName,
		Description:    t.Description,
		ContactMethods: t.ContactMethods,
	})
	if err != nil {
		return "", fmt.Errorf("sqlstore: marshal template: %w", err)
	}
	return string(data), nil
}

func unmarshalTemplate(raw string) (store.FormTemplate, error) {
	var t storedTemplate
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return store.FormTemplate{}, fmt.Errorf("sqlstore: unmarshal template: %w", err)
	}
	return store.FormTemplate{
		Version:        t.Version,
		OrgName:        t.OrgName,
		Description:    t.Description,
		ContactMethods: t.ContactMethods,
	}, nil
}

func (s *Store) GetForm(ctx context.Context, id store.FormID) (store.Form, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT public_primary_key, template, expires_at FROM forms WHERE id = ?`, string(id))

	var f store.Form
	var template string
	var expiresAt sql.NullString
	f.ID = id
	if err := row.Scan(&f.PublicPrimaryKey, &template, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Form{}, store.ErrNotFound
		}
		return store.Form{}, fmt.Errorf("sqlstore: get form: %w", err)
	}
	parsed, err := unmarshalTemplate(template)
	if err != nil {
		return store.Form{}, err
	}
	f.Template = parsed
	f.ExpiresAt, err = scanNullableTime(expiresAt, "sqlstore: get form")
	if err != nil {
		return store.Form{}, err
	}
	return f, nil
}

func (s *Store) PutForm(ctx context.Context, id store.FormID, template store.FormTemplate, publicPrimaryKey string, expiresAt *time.Time, adminKey keys.PublicSigningKey) (store.ClientKeyID, error) {
	templateJSON, err := marshalTemplate(template)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: put form: %w", err)
	}

	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
INSERT INTO forms (id, public_primary_key, template, expires_at, created_at, next_key_index)
VALUES (?, ?, ?, ?, ?, 1)`,
		string(id), publicPrimaryKey, templateJSON, nullableTime(expiresAt), now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, rollback(tx, store.ErrAlreadyExists)
		}
		return 0, rollback(tx, fmt.Errorf("sqlstore: put form: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO client_keys (form_id, key_index, public_signing_key, role, created_at)
VALUES (?, 0, ?, ?, ?)`, string(id), adminKey.String(), string(keys.RoleAdmin), now)
	if err != nil {
		return 0, rollback(tx, fmt.Errorf("sqlstore: put form admin key: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlstore: put form: commit: %w", err)
	}
	return store.ClientKeyID(0), nil
}

func (s *Store) EditForm(ctx context.Context, id store.FormID, template store.FormTemplate, expiresAt *time.Time) error {
	templateJSON, err := marshalTemplate(template)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE forms SET template = ?, expires_at = ? WHERE id = ?`,
		templateJSON, nullableTime(expiresAt), string(id))
	if err != nil {
		return fmt.Errorf("sqlstore: edit form: %w", err)
	}
	return requireRowAffected(res, "sqlstore: edit form")
}

func (s *Store) DeleteForm(ctx context.Context, id store.FormID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM forms WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("sqlstore: delete form: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredForms(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM forms WHERE expires_at IS NOT NULL AND expires_at <= ?`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete expired forms: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete expired forms: %w", err)
	}
	return int(n), nil
}

func (s *Store) PutSubmission(ctx context.Context, formID store.FormID, id store.SubmissionID, encryptedBody string) (bool, error) {
	// An INSERT ... SELECT keyed on the form row inserts nothing when the
	// form is gone, which is how "form deleted" surfaces as a 404 instead
	// of an orphaned submission row.
	res, err := s.db.ExecContext(ctx, `
INSERT INTO submissions (form_id, id, encrypted_body, created_at)
SELECT f.id, ?, ?, ? FROM forms f WHERE f.id = ?`,
		string(id), encryptedBody, formatTime(time.Now()), string(formID))
	if err != nil {
		return false, fmt.Errorf("sqlstore: put submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: put submission: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListSubmissions(ctx context.Context, formID store.FormID) ([]store.Submission, error) {
	// rowid breaks created_at ties in insertion order; the stored format
	// only has second resolution.
	rows, err := s.db.QueryContext(ctx, `
SELECT id, encrypted_body, created_at FROM submissions WHERE form_id = ? ORDER BY created_at DESC, rowid DESC`, string(formID))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list submissions: %w", err)
	}
	defer rows.Close()

	var out []store.Submission
	for rows.Next() {
		var sub store.Submission
		var id, createdAt string
		if err := rows.Scan(&id, &sub.EncryptedBody, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlstore: list submissions: %w", err)
		}
		sub.ID = store.SubmissionID(id)
		if sub.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("sqlstore: list submissions: bad timestamp %q: %w", createdAt, err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) GetClientKeys(ctx context.Context, formID store.FormID, id store.ClientKeyID) (store.ClientKeys, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT ck.public_signing_key, ck.wrapped_private_primary_key, ck.encrypted_comment, ck.role,
       (SELECT MAX(al.accessed_at) FROM access_log al WHERE al.form_id = ck.form_id AND al.key_index = ck.key_index),
       EXISTS(SELECT 1 FROM password_params pp WHERE pp.form_id = ck.form_id AND pp.key_index = ck.key_index)
FROM client_keys ck WHERE ck.form_id = ? AND ck.key_index = ?`, string(formID), int64(id))
	return scanClientKeys(row, formID, id)
}

func scanClientKeys(row *sql.Row, formID store.FormID, id store.ClientKeyID) (store.ClientKeys, error) {
	var rawKey, role, comment string
	var wrapped, accessedAt sql.NullString
	var protected bool
	if err := row.Scan(&rawKey, &wrapped, &comment, &role, &accessedAt, &protected); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ClientKeys{}, store.ErrNotFound
		}
		return store.ClientKeys{}, fmt.Errorf("sqlstore: get client keys: %w", err)
	}

	pubKey, err := keys.NewPublicSigningKey(rawKey)
	if err != nil {
		return store.ClientKeys{}, fmt.Errorf("sqlstore: get client keys: stored key corrupt: %w", err)
	}

	ck := store.ClientKeys{
		FormID:           formID,
		ID:               id,
		PublicSigningKey: pubKey,
		EncryptedComment: comment,
		Role:             keys.AccessRole(role),
		Protected:        protected,
	}
	if wrapped.Valid {
		ck.WrappedPrivatePrimaryKey = &wrapped.String
	}
	if ck.AccessedAt, err = scanNullableTime(accessedAt, "sqlstore: get client keys"); err != nil {
		return store.ClientKeys{}, err
	}
	return ck, nil
}

func (s *Store) ListClientKeys(ctx context.Context, formID store.FormID) ([]store.ClientKeys, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_index FROM client_keys WHERE form_id = ? ORDER BY key_index`, string(formID))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list client keys: %w", err)
	}
	var indices []int64
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlstore: list client keys: %w", err)
		}
		indices = append(indices, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]store.ClientKeys, 0, len(indices))
	for _, idx := range indices {
		ck, err := s.GetClientKeys(ctx, formID, store.ClientKeyID(idx))
		if err != nil {
			return nil, err
		}
		out = append(out, ck)
	}
	return out, nil
}

// AddClientKeys allocates the next key_index per form from forms.next_key_index,
// a high-water mark that is only ever incremented and never recomputed from
// the live client_keys rows. Deriving the next index from MAX(key_index)
// would recycle a revoked key's id once it was the highest-indexed key in
// the form and got deleted; the high-water mark makes that impossible.
func (s *Store) AddClientKeys(ctx context.Context, formID store.FormID, key store.NewClientKeys) (store.ClientKeyID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: add client keys: %w", err)
	}

	var nextIndex int64
	if err := tx.QueryRowContext(ctx, `SELECT next_key_index FROM forms WHERE id = ?`, string(formID)).Scan(&nextIndex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, rollback(tx, store.ErrNotFound)
		}
		return 0, rollback(tx, fmt.Errorf("sqlstore: add client keys: allocate index: %w", err))
	}

	if _, err := tx.ExecContext(ctx, `UPDATE forms SET next_key_index = ? WHERE id = ?`, nextIndex+1, string(formID)); err != nil {
		return 0, rollback(tx, fmt.Errorf("sqlstore: add client keys: advance index: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO client_keys (form_id, key_index, public_signing_key, wrapped_private_primary_key, encrypted_comment, role, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(formID), nextIndex, key.PublicSigningKey.String(), key.WrappedPrivatePrimaryKey, key.EncryptedComment, string(key.Role), formatTime(time.Now()))
	if err != nil {
		return 0, rollback(tx, fmt.Errorf("sqlstore: add client keys: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlstore: add client keys: commit: %w", err)
	}
	return store.ClientKeyID(nextIndex), nil
}

func (s *Store) UpdateClientKeys(ctx context.Context, formID store.FormID, id store.ClientKeyID, wrappedKey *string, comment *string) error {
	if wrappedKey != nil {
		res, err := s.db.ExecContext(ctx, `UPDATE client_keys SET wrapped_private_primary_key = ? WHERE form_id = ? AND key_index = ?`, *wrappedKey, string(formID), int64(id))
		if err != nil {
			return fmt.Errorf("sqlstore: update client keys: %w", err)
		}
		if err := requireRowAffected(res, "sqlstore: update client keys"); err != nil {
			return err
		}
	}
	if comment != nil {
		res, err := s.db.ExecContext(ctx, `UPDATE client_keys SET encrypted_comment = ? WHERE form_id = ? AND key_index = ?`, *comment, string(formID), int64(id))
		if err != nil {
			return fmt.Errorf("sqlstore: update client keys: %w", err)
		}
		if err := requireRowAffected(res, "sqlstore: update client keys"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteClientKeys(ctx context.Context, formID store.FormID, id store.ClientKeyID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM client_keys WHERE form_id = ? AND key_index = ?`, string(formID), int64(id))
	if err != nil {
		return fmt.Errorf("sqlstore: delete client keys: %w", err)
	}
	return nil
}

func (s *Store) LogAccess(ctx context.Context, formID store.FormID, id store.ClientKeyID) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO access_log (form_id, key_index, accessed_at) VALUES (?, ?, ?)`,
		string(formID), int64(id), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlstore: log access: %w", err)
	}
	return nil
}

func (s *Store) StorePasswordParams(ctx context.Context, formID store.FormID, id store.ClientKeyID, params store.PasswordParams) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO password_params (form_id, key_index, salt, nonce) VALUES (?, ?, ?, ?)
ON CONFLICT (form_id, key_index) DO UPDATE SET salt = excluded.salt, nonce = excluded.nonce`,
		string(formID), int64(id), params.Salt, params.Nonce)
	if err != nil {
		return fmt.Errorf("sqlstore: store password params: %w", err)
	}
	return nil
}

func (s *Store) GetPasswordParams(ctx context.Context, formID store.FormID, id store.ClientKeyID) (store.PasswordParams, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT salt, nonce FROM password_params WHERE form_id = ? AND key_index = ?`, string(formID), int64(id))
	var params store.PasswordParams
	if err := row.Scan(&params.Salt, &params.Nonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.PasswordParams{}, false, nil
		}
		return store.PasswordParams{}, false, fmt.Errorf("sqlstore: get password params: %w", err)
	}
	return params, true, nil
}

func requireRowAffected(res sql.Result, context string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
