// Package store persists coordination records.
//
// Each record is one JSON document addressed by (Kind, ID). Writers follow a
// single-writer read-modify-write discipline: Get the record, apply exactly one
// logical change, Put it back. Put is a compare-and-swap on the record's
// version stamp, so a concurrent writer that raced ahead causes
// ErrVersionConflict instead of a silent lost update; Update retries the whole
// cycle in that case.
//
// Two backends are provided: FileStore (one file per record under a state
// root, plus an active-pointer file and append-only JSONL activity logs) and
// MemoryStore (process lifetime, used for tests and ephemeral escalation
// threads).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/fyrsmithlabs/accord/internal/coorderr"
)

// Kind names a record collection.
type Kind string

const (
	KindOrchestration Kind = "orchestrations"
	KindDebate        Kind = "debates"
	KindEscalation    Kind = "escalations"
)

// DefaultRetries is how many read-modify-write attempts Update makes before
// giving up on a contended record.
const DefaultRetries = 5

// Record is a persisted document carrying a version stamp.
type Record interface {
	RecordVersion() int64
	SetRecordVersion(v int64)
}

// Versioned is embedded by record types to satisfy Record.
type Versioned struct {
	Version int64 `json:"version"`
}

// RecordVersion returns the stored version (0 for a record never written).
func (v *Versioned) RecordVersion() int64 { return v.Version }

// SetRecordVersion sets the version stamp.
func (v *Versioned) SetRecordVersion(n int64) { v.Version = n }

// Store is the persistence contract shared by all coordination components.
type Store interface {
	// Get loads the record into dst. Missing or unparsable documents yield
	// coorderr.ErrNotFound.
	Get(ctx context.Context, kind Kind, id string, dst Record) error

	// Put writes rec if the stored version equals rec.RecordVersion() (0 for
	// a new record), then advances rec's version. A mismatch yields
	// coorderr.ErrVersionConflict and leaves storage untouched.
	Put(ctx context.Context, kind Kind, id string, rec Record) error

	// List returns the identifiers stored under kind, sorted.
	List(ctx context.Context, kind Kind) ([]string, error)

	// ActiveID returns the active orchestration pointer, or "" when unset or
	// unreadable.
	ActiveID(ctx context.Context) (string, error)

	// SetActive points the active pointer at id.
	SetActive(ctx context.Context, id string) error

	// ClearActive removes the pointer if it names id. An empty id clears
	// unconditionally.
	ClearActive(ctx context.Context, id string) error

	// AppendLog appends entry to the activity log of (kind, id).
	AppendLog(ctx context.Context, kind Kind, id string, entry any) error

	// ReadLog returns the activity log entries of (kind, id) in append order.
	ReadLog(ctx context.Context, kind Kind, id string) ([]json.RawMessage, error)
}

// UpdateOption configures Update.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	retries int
}

// WithRetries overrides DefaultRetries.
func WithRetries(n int) UpdateOption {
	return func(o *updateOptions) {
		if n > 0 {
			o.retries = n
		}
	}
}

// Update performs a read-modify-write cycle on one record. mutate receives a
// freshly loaded record; returning an error aborts without writing. Version
// conflicts are retried with a fresh load.
func Update[T any, P interface {
	*T
	Record
}](ctx context.Context, s Store, kind Kind, id string, mutate func(P) error, opts ...UpdateOption) (P, error) {
	o := updateOptions{retries: DefaultRetries}
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	for attempt := 0; attempt < o.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := P(new(T))
		if err := s.Get(ctx, kind, id, rec); err != nil {
			return nil, err
		}
		if err := mutate(rec); err != nil {
			return nil, err
		}
		err := s.Put(ctx, kind, id, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, coorderr.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// ValidateID rejects identifiers that cannot safely name a file.
func ValidateID(id string) error {
	if id == "" {
		return coorderr.New(coorderr.KindInvalidArgument, "", "", "identifier is required")
	}
	if len(id) > 128 || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return coorderr.New(coorderr.KindInvalidArgument, "", id, "identifier contains invalid characters")
	}
	return nil
}

// entity maps a kind to the singular noun used in error messages.
func entity(kind Kind) string {
	switch kind {
	case KindOrchestration:
		return "orchestration"
	case KindDebate:
		return "debate"
	case KindEscalation:
		return "escalation"
	}
	return string(kind)
}

// peekVersion extracts the version stamp from a stored document.
func peekVersion(data []byte) (int64, error) {
	var v Versioned
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, err
	}
	return v.Version, nil
}

func conflict(kind Kind, id string, stored, have int64) error {
	return coorderr.New(coorderr.KindVersionConflict, entity(kind), id,
		"stored version %d does not match %d", stored, have)
}
