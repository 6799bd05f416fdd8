// Package leads persists contact and whitepaper submissions and the
// analytics event batches the beacon endpoint accepts. It shares the
// relational store with the audit recorder but owns its own tables.
package leads

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

// Lead is one inbound contact or whitepaper request.
type Lead struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // "contact" or "whitepaper"
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Company   string    `json:"company,omitempty"`
	Message   string    `json:"message,omitempty"`
	Document  string    `json:"document,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is one analytics beacon entry.
type Event struct {
	Name  string         `json:"name"`
	Path  string         `json:"path"`
	Props map[string]any `json:"props,omitempty"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS leads (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL,
			company    TEXT,
			message    TEXT,
			document   TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			path       TEXT NOT NULL,
			props      TEXT,
			ip_hash    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return xerrors.Wrap(err, "leads: ensure schema")
		}
	}
	return nil
}

// Insert stores a lead and returns its generated id.
func (s *Store) Insert(ctx context.Context, l Lead) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, kind, name, email, company, message, document, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, l.Kind, l.Name, l.Email, l.Company, l.Message, l.Document, time.Now().UTC(),
	)
	if err != nil {
		return "", xerrors.Wrap(err, "leads: insert lead")
	}
	return id, nil
}

// Recent returns the newest leads, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Lead, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, email, company, message, document, created_at
		FROM leads ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(err, "leads: query recent")
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		var l Lead
		var company, message, document sql.NullString
		if err := rows.Scan(&l.ID, &l.Kind, &l.Name, &l.Email, &company, &message, &document, &l.CreatedAt); err != nil {
			return nil, xerrors.Wrap(err, "leads: scan lead")
		}
		l.Company = company.String
		l.Message = message.String
		l.Document = document.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// AppendEvents stores a beacon batch; the caller's IP arrives pre-hashed so
// raw addresses never land in the analytics table.
func (s *Store) AppendEvents(ctx context.Context, ipHash string, events []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(err, "leads: begin events tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range events {
		var props sql.NullString
		if len(e.Props) > 0 {
			b, err := json.Marshal(e.Props)
			if err != nil {
				return xerrors.Wrap(err, "leads: encode event props")
			}
			props = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, name, path, props, ip_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), e.Name, e.Path, props, ipHash, now,
		); err != nil {
			return xerrors.Wrap(err, "leads: insert event")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(err, "leads: commit events")
	}
	return nil
}

// DisposableDomains is the reject list for contact intake. Kept small on
// purpose; upstream form validation catches most junk before it gets here.
var DisposableDomains = map[string]struct{}{
	"mailinator.com":    {},
	"guerrillamail.com": {},
	"10minutemail.com":  {},
	"tempmail.dev":      {},
	"throwaway.email":   {},
	"yopmail.com":       {},
	"sharklasers.com":   {},
	"getnada.com":       {},
}

// IsDisposableEmail reports whether the address's domain is on the reject
// list. This is a domain-level business rejection, not an auth failure: the
// request is audited before this check runs.
func IsDisposableEmail(email string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return false
	}
	_, bad := DisposableDomains[strings.ToLower(email[at+1:])]
	return bad
}
