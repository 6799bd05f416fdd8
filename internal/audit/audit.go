// Package audit appends one immutable row per authenticated request to the
// relational store. Audit captures access, not outcome: a request that
// authenticates and then gets a domain-level rejection is still recorded.
// Rows are never updated or deleted by the application.
package audit

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

// Entry is one access event. Actor is whatever identity the endpoint has
// (check id, hashed email) or empty for anonymous machine callers.
type Entry struct {
	Actor     string
	IP        string
	UserAgent string
	RequestID string
	Datasets  []string
}

type Recorder struct {
	db *sql.DB

	// OnWriteError fires when an insert fails and the row is dropped
	// (prometheus counter). The request itself never fails on audit errors.
	OnWriteError func()
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// EnsureSchema creates the audit table if missing. Retention is operational
// and out of scope; nothing here deletes.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_records (
			id               TEXT PRIMARY KEY,
			actor            TEXT,
			ip_address       TEXT NOT NULL,
			user_agent       TEXT NOT NULL,
			request_id       TEXT NOT NULL,
			datasets_touched TEXT NOT NULL,
			created_at       TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return xerrors.Wrap(err, "audit: ensure schema")
	}
	return nil
}

// Record writes one row in a single insert. Each row is independent, keyed
// by its own uuid, so no cross-request locking exists anywhere in this path.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var actor any
	if e.Actor != "" {
		actor = e.Actor
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, actor, ip_address, user_agent, request_id, datasets_touched, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), actor, e.IP, e.UserAgent, e.RequestID,
		strings.Join(e.Datasets, ","), time.Now().UTC(),
	)
	if err != nil {
		return xerrors.Wrap(err, "audit: insert record")
	}
	return nil
}

// RecordBestEffort is the fail-open path every handler uses: a lost audit
// row is preferable to turning a successful request into a failure.
func (r *Recorder) RecordBestEffort(ctx context.Context, e Entry) {
	if err := r.Record(ctx, e); err != nil {
		log.FromContext(ctx).Error(ctx, err, "audit write failed, continuing",
			"request_id", e.RequestID,
			"datasets", strings.Join(e.Datasets, ","),
		)
		if r.OnWriteError != nil {
			r.OnWriteError()
		}
	}
}

// CountSince is used by tests and the probe endpoint's store check.
func (r *Recorder) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_records WHERE created_at >= ?`, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, xerrors.Wrap(err, "audit: count since")
	}
	return n, nil
}

// Ping verifies the relational store for readiness probes.
func (r *Recorder) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(err, "audit: ping")
	}
	return nil
}
