// Package pgaudit is an optional durable audit.Sink backed by postgres. The
// sink depends on a small PGDB interface rather than a concrete driver type,
// so tests can substitute an in-memory fake.
package pgaudit

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
	"io"

	"code.vita-gw.org/keymgr/pkg/audit"
)

const hkdfInfo = "vita-keymgr/audit-route-tag"

// PGDB is implemented by pgx.Tx, pgx.Conn & pgxpool.Pool.
type PGDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

//go:embed schema.sql
var schemaScriptTpl string

// Migrate creates the audit schema (and its single table) within dbschema,
// idempotently.
func Migrate(ctx context.Context, pgconn *pgx.Conn, dbschema string) error {
	schemaName := pgx.Identifier{dbschema}.Sanitize()
	schemaOwner := pgx.Identifier{fmt.Sprintf("%s_owner", dbschema)}.Sanitize()
	script := strings.ReplaceAll(schemaScriptTpl, "${schema_name}", schemaName)
	script = strings.ReplaceAll(script, "${schema_owner}", schemaOwner)

	_, err := pgconn.Exec(ctx, script)
	return wrapError(err, "failed audit schema migration")
}

// Sink is a durable audit.Sink. audit.Sink's Record signature has no error
// return, so a pgx failure can't be reported to the caller directly;
// callers that need delivery guarantees should poll LastError.
type Sink struct {
	db     PGDB
	schema string

	mu        sync.Mutex
	routeTags map[string][]byte
	lastErr   error
}

// NewSink connects a pool to dsn. dbschema must already be migrated via
// Migrate.
func NewSink(ctx context.Context, dsn string, dbschema string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if nil != err {
		return nil, wrapError(err, "failed connection pool creation")
	}
	return &Sink{
		db:        pool,
		schema:    pgx.Identifier{dbschema}.Sanitize(),
		routeTags: make(map[string][]byte),
	}, nil
}

// RegisterRoute derives and caches a per-route tag from psk so that Record
// never has to persist (or even see) the pre-shared key itself. The HKDF
// info string is context-specific so the tag cannot be confused with any
// other value derived from the same psk.
func (self *Sink) RegisterRoute(route string, psk []byte) error {
	prk := hkdf.Extract(sha256.New, psk, nil)
	rdr := hkdf.Expand(sha256.New, prk, []byte(hkdfInfo))
	tag := make([]byte, 16)
	if _, err := io.ReadFull(rdr, tag); nil != err {
		return wrapError(err, "failed deriving route tag")
	}

	self.mu.Lock()
	self.routeTags[route] = tag
	self.mu.Unlock()
	return nil
}

// Record inserts e as an audit_event row. Errors are retained (see
// LastError) rather than returned, to satisfy audit.Sink's signature.
func (self *Sink) Record(ctx context.Context, e audit.Event) {
	self.mu.Lock()
	tag, found := self.routeTags[e.Route]
	self.mu.Unlock()
	if !found {
		tag = []byte(e.Route)
	}

	_, err := self.db.Exec(
		ctx,
		fmt.Sprintf(
			`INSERT INTO %s.audit_event(trace_id, kind, route_tag, detail) VALUES ($1, $2, $3, $4)`,
			self.schema,
		),
		uuid.New(),
		string(e.Kind),
		tag,
		e.Detail,
	)

	self.mu.Lock()
	self.lastErr = wrapError(err, "failed inserting audit_event")
	self.mu.Unlock()
}

// LastError returns the error (if any) from the most recent Record call.
func (self *Sink) LastError() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.lastErr
}

var _ audit.Sink = &Sink{}
