package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/blackmichael/studymeets/internal/domain"
	"github.com/blackmichael/studymeets/internal/sqlite/migrations"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ErrInvalidQuery is returned for orderings the store cannot express.
var ErrInvalidQuery = errors.New("invalid query")

// Repository stores backend documents, accounts and blobs in SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path, applies migrations
// and returns a Repository. The caller should call Close when done.
func Open(path string) (*Repository, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Repository{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateDocument inserts a document. An empty id gets a fresh ULID. A
// CreatedAt field is stamped when absent. Returns domain.ErrAlreadyExists
// if the id is taken.
func (r *Repository) CreateDocument(ctx context.Context, collection, id string, fields map[string]any) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("%w: collection is required", ErrInvalidQuery)
	}
	if id == "" {
		id = ulid.Make().String()
	}

	now := r.now().UTC()
	doc := make(map[string]any, len(fields)+1)
	maps.Copy(doc, fields)
	createdAt := now
	if ts, ok := doc[domain.FieldCreatedAt].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			createdAt = parsed
		}
	} else {
		doc[domain.FieldCreatedAt] = now.Format(time.RFC3339Nano)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, string(raw), createdAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert document %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("document %s/%s: %w", collection, id, domain.ErrAlreadyExists)
	}
	return id, nil
}

// UpdateDocument merges fields into an existing document.
func (r *Repository) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT fields FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("document %s/%s: %w", collection, id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load document %s/%s: %w", collection, id, err)
	}

	doc := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("unmarshal document %s/%s: %w", collection, id, err)
	}
	maps.Copy(doc, fields)
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET fields = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(merged), r.now().UTC().UnixMilli(), collection, id,
	); err != nil {
		return fmt.Errorf("update document %s/%s: %w", collection, id, err)
	}
	return tx.Commit()
}

// GetDocument loads one document.
func (r *Repository) GetDocument(ctx context.Context, collection, id string) (domain.Document, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		`SELECT fields FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.Document{}, fmt.Errorf("document %s/%s: %w", collection, id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document %s/%s: %w", collection, id, err)
	}
	return decodeDocument(id, raw)
}

// ListDocuments returns every document of q.Collection in q's order. Ties
// are broken by id in the same direction.
func (r *Repository) ListDocuments(ctx context.Context, q domain.Query) ([]domain.Document, error) {
	dir := "DESC"
	switch q.Direction {
	case domain.Descending, "":
	case domain.Ascending:
		dir = "ASC"
	default:
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidQuery, q.Direction)
	}

	var (
		orderExpr string
		args      = []any{q.Collection}
	)
	switch {
	case q.OrderBy == "" || q.OrderBy == domain.FieldCreatedAt:
		orderExpr = "created_at"
	case fieldNamePattern.MatchString(q.OrderBy):
		orderExpr = "json_extract(fields, ?)"
		args = append(args, "$."+q.OrderBy)
	default:
		return nil, fmt.Errorf("%w: order field %q", ErrInvalidQuery, q.OrderBy)
	}

	query := `SELECT id, fields FROM documents WHERE collection = ?
		ORDER BY ` + orderExpr + ` ` + dir + `, id ` + dir
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	docs := []domain.Document{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decodeDocument(id, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// CreateAccount registers an account and its users document in one
// transaction. Returns domain.ErrAlreadyExists if email is registered.
func (r *Repository) CreateAccount(ctx context.Context, email, password, username string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return "", errors.New("email and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	userID := ulid.Make().String()
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, email, password_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (email) DO NOTHING`,
		userID, email, hash, now.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("account %s: %w", email, domain.ErrAlreadyExists)
	}

	raw, err := json.Marshal(map[string]any{
		"username":            username,
		"createdProfile":      false,
		domain.FieldCreatedAt: now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("marshal user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		domain.UsersCollection, userID, string(raw), now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("insert user document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return userID, nil
}

// Authenticate checks credentials and returns the account's user id, or
// domain.ErrUnauthenticated.
func (r *Repository) Authenticate(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var (
		userID string
		hash   []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, password_hash FROM accounts WHERE email = ?`, email,
	).Scan(&userID, &hash)
	if err == sql.ErrNoRows {
		return "", domain.ErrUnauthenticated
	}
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", domain.ErrUnauthenticated
	}
	return userID, nil
}

// AccountExists reports whether email is registered.
func (r *Repository) AccountExists(ctx context.Context, email string) (bool, error) {
	var found int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM accounts WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)),
	).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load account: %w", err)
	}
	return true, nil
}

// PutBlob stores or replaces the blob at path.
func (r *Repository) PutBlob(ctx context.Context, path, contentType string, data []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blobs (path, content_type, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET content_type = excluded.content_type,
			data = excluded.data, updated_at = excluded.updated_at`,
		path, contentType, data, r.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put blob %s: %w", path, err)
	}
	return nil
}

// GetBlob loads the blob at path.
func (r *Repository) GetBlob(ctx context.Context, path string) (string, []byte, error) {
	var (
		contentType string
		data        []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT content_type, data FROM blobs WHERE path = ?`, path,
	).Scan(&contentType, &data)
	if err == sql.ErrNoRows {
		return "", nil, fmt.Errorf("blob %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("load blob %s: %w", path, err)
	}
	return contentType, data, nil
}

func decodeDocument(id, raw string) (domain.Document, error) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return domain.Document{}, fmt.Errorf("unmarshal document %s: %w", id, err)
	}
	return domain.Document{ID: id, Fields: fields}, nil
}
