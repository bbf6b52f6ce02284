// Package cache implements the job cache: a persistent key to
// {revision, status, value} map with per-key exclusive write tickets.
// Orchestrator workers contend for tickets; at most one ticket is open for
// any key at a time, so at most one writer can act on an entry. Two stores
// implement the engine: an in-memory store for sandbox deployments and a
// SQL store for everything else.
package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors. Callers branch on these with errors.Is.
var (
	// ErrTicket covers every invalid-ticket condition: expired, closed,
	// superseded, unknown, or a requested duration over the policy maximum.
	ErrTicket = errors.New("cache ticket is not valid")

	// ErrDuplicate is returned by AddEntry when the entry already exists.
	ErrDuplicate = errors.New("cache entry already exists")

	// ErrNotFound is returned by update/remove when the entry is gone.
	ErrNotFound = errors.New("cache entry not found")

	// ErrIllegalArgument is returned for malformed keys or durations.
	ErrIllegalArgument = errors.New("illegal cache argument")
)

// Grant is the outcome of a ticket-open request.
type Grant int

const (
	// GrantValid means the caller holds the exclusive write right.
	GrantValid Grant = iota

	// GrantSuperseded means an entry or another open ticket got there first.
	GrantSuperseded

	// GrantMissing means the requested revision does not exist (the entry is
	// absent or behind); callers may retry as a new entry.
	GrantMissing
)

// Ticket is the exclusive write right for one key at one revision. Only
// valid tickets authorize writes; superseded and missing tickets are inert
// and any write through them fails with ErrTicket.
type Ticket struct {
	ID        string
	CacheName string
	Key       string
	Revision  int
	Grant     Grant

	GrantTime  time.Time
	ExpiryTime time.Time
}

// Valid reports whether the ticket grants the write right (ignoring expiry,
// which the store checks at each operation).
func (t Ticket) Valid() bool {
	return t.Grant == GrantValid
}

// Expired reports whether the ticket has passed its expiry.
func (t Ticket) Expired(now time.Time) bool {
	return !now.Before(t.ExpiryTime)
}

// Entry is one cache row at its latest revision. Value is an opaque blob;
// the engine never inspects it.
type Entry struct {
	Key      string
	Revision int
	Status   string
	Value    []byte
}

// JobCache is the ticket engine contract, shared by the in-memory and SQL
// stores. After AddEntry or UpdateEntry returns, QueryKey in any subsequent
// call observes the new revision.
type JobCache interface {
	OpenNewTicket(ctx context.Context, key string, duration time.Duration) (Ticket, error)
	OpenTicket(ctx context.Context, key string, revision int, duration time.Duration) (Ticket, error)
	CloseTicket(ctx context.Context, ticket Ticket) error

	AddEntry(ctx context.Context, ticket Ticket, status string, value []byte) (int, error)
	UpdateEntry(ctx context.Context, ticket Ticket, status string, value []byte) (int, error)
	RemoveEntry(ctx context.Context, ticket Ticket) error
	GetEntry(ctx context.Context, ticket Ticket) (*Entry, error)

	QueryKey(ctx context.Context, key string) (*Entry, error)
	QueryStatus(ctx context.Context, statuses []string, includeOpenTickets bool) ([]*Entry, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

// validateOpen checks key and duration for a ticket-open call. Reserved
// prefixes keep internal bookkeeping keys out of reach of callers.
func validateOpen(key string, duration, maxDuration time.Duration) error {
	if key == "" || !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: key %q is not a valid identifier", ErrIllegalArgument, key)
	}
	if strings.HasPrefix(key, "_") || strings.HasPrefix(key, "trac_") {
		return fmt.Errorf("%w: key %q uses a reserved prefix", ErrIllegalArgument, key)
	}
	if duration <= 0 {
		return fmt.Errorf("%w: ticket duration must be positive", ErrIllegalArgument)
	}
	if maxDuration > 0 && duration > maxDuration {
		return fmt.Errorf("%w: ticket duration %s exceeds the maximum %s", ErrTicket, duration, maxDuration)
	}
	return nil
}
