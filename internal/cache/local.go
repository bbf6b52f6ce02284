package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracdap/gateway/internal/metrics"
)

// LocalCache is the in-memory store, used for sandbox deployments where no
// database is available. A single mutex serializes all operations, which is
// the same guarantee the SQL store gets from its unique constraint.
type LocalCache struct {
	name        string
	maxDuration time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	tickets map[string]*localTicket // key -> the one open ticket
}

type localTicket struct {
	id       string
	revision int
	expiry   time.Time
}

// NewLocalCache creates an empty in-memory cache.
func NewLocalCache(name string, maxDuration time.Duration) *LocalCache {
	return &LocalCache{
		name:        name,
		maxDuration: maxDuration,
		entries:     make(map[string]*Entry),
		tickets:     make(map[string]*localTicket),
	}
}

// sweepExpired drops expired tickets. Call with the lock held; runs on
// every ticket-open so abandoned tickets never block a key for long.
func (c *LocalCache) sweepExpired(now time.Time) {
	for key, t := range c.tickets {
		if !now.Before(t.expiry) {
			delete(c.tickets, key)
			metrics.CacheTicketsExpired.WithLabelValues(c.name).Inc()
		}
	}
}

func (c *LocalCache) OpenNewTicket(ctx context.Context, key string, duration time.Duration) (Ticket, error) {
	if err := validateOpen(key, duration, c.maxDuration); err != nil {
		return Ticket{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	c.sweepExpired(now)

	ticket := Ticket{
		CacheName: c.name,
		Key:       key,
		Revision:  0,
		GrantTime: now,
	}

	if _, exists := c.entries[key]; exists {
		ticket.Grant = GrantSuperseded
		return ticket, nil
	}
	if _, open := c.tickets[key]; open {
		ticket.Grant = GrantSuperseded
		return ticket, nil
	}

	ticket.ID = uuid.NewString()
	ticket.Grant = GrantValid
	ticket.ExpiryTime = now.Add(duration)
	c.tickets[key] = &localTicket{id: ticket.ID, revision: 0, expiry: ticket.ExpiryTime}
	return ticket, nil
}

func (c *LocalCache) OpenTicket(ctx context.Context, key string, revision int, duration time.Duration) (Ticket, error) {
	if err := validateOpen(key, duration, c.maxDuration); err != nil {
		return Ticket{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	c.sweepExpired(now)

	ticket := Ticket{
		CacheName: c.name,
		Key:       key,
		Revision:  revision,
		GrantTime: now,
	}

	entry, exists := c.entries[key]
	if !exists || entry.Revision < revision {
		ticket.Grant = GrantMissing
		return ticket, nil
	}
	if entry.Revision > revision {
		ticket.Grant = GrantSuperseded
		return ticket, nil
	}
	if _, open := c.tickets[key]; open {
		ticket.Grant = GrantSuperseded
		return ticket, nil
	}

	ticket.ID = uuid.NewString()
	ticket.Grant = GrantValid
	ticket.ExpiryTime = now.Add(duration)
	c.tickets[key] = &localTicket{id: ticket.ID, revision: revision, expiry: ticket.ExpiryTime}
	return ticket, nil
}

// CloseTicket releases the ticket. Closing an expired, already-closed or
// never-valid ticket is a no-op.
func (c *LocalCache) CloseTicket(ctx context.Context, ticket Ticket) error {
	if !ticket.Valid() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if open, ok := c.tickets[ticket.Key]; ok && open.id == ticket.ID {
		delete(c.tickets, ticket.Key)
	}
	return nil
}

// checkTicket verifies the ticket is the open one for its key and has not
// expired. Call with the lock held.
func (c *LocalCache) checkTicket(ticket Ticket) error {
	if !ticket.Valid() {
		return ErrTicket
	}
	open, ok := c.tickets[ticket.Key]
	if !ok || open.id != ticket.ID {
		return ErrTicket
	}
	if !time.Now().UTC().Before(open.expiry) {
		return ErrTicket
	}
	return nil
}

func (c *LocalCache) AddEntry(ctx context.Context, ticket Ticket, status string, value []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTicket(ticket); err != nil {
		return 0, err
	}
	if ticket.Revision != 0 {
		return 0, fmt.Errorf("%w: add requires a new-entry ticket", ErrTicket)
	}
	if _, exists := c.entries[ticket.Key]; exists {
		return 0, ErrDuplicate
	}

	c.entries[ticket.Key] = &Entry{
		Key:      ticket.Key,
		Revision: 1,
		Status:   status,
		Value:    append([]byte(nil), value...),
	}
	metrics.CacheOperations.WithLabelValues(c.name, "add", "ok").Inc()
	return 1, nil
}

func (c *LocalCache) UpdateEntry(ctx context.Context, ticket Ticket, status string, value []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTicket(ticket); err != nil {
		return 0, err
	}

	entry, exists := c.entries[ticket.Key]
	if !exists || entry.Revision != ticket.Revision {
		return 0, ErrNotFound
	}

	entry.Revision = ticket.Revision + 1
	entry.Status = status
	entry.Value = append([]byte(nil), value...)
	metrics.CacheOperations.WithLabelValues(c.name, "update", "ok").Inc()
	return entry.Revision, nil
}

func (c *LocalCache) RemoveEntry(ctx context.Context, ticket Ticket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTicket(ticket); err != nil {
		return err
	}

	entry, exists := c.entries[ticket.Key]
	if !exists || entry.Revision != ticket.Revision {
		return ErrNotFound
	}

	delete(c.entries, ticket.Key)
	metrics.CacheOperations.WithLabelValues(c.name, "remove", "ok").Inc()
	return nil
}

func (c *LocalCache) GetEntry(ctx context.Context, ticket Ticket) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTicket(ticket); err != nil {
		return nil, err
	}

	entry, exists := c.entries[ticket.Key]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEntry(entry), nil
}

func (c *LocalCache) QueryKey(ctx context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, nil
	}
	return copyEntry(entry), nil
}

func (c *LocalCache) QueryStatus(ctx context.Context, statuses []string, includeOpenTickets bool) ([]*Entry, error) {
	wanted := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()

	var results []*Entry
	for key, entry := range c.entries {
		if !wanted[entry.Status] {
			continue
		}
		if !includeOpenTickets {
			if open, ok := c.tickets[key]; ok && now.Before(open.expiry) {
				continue
			}
		}
		results = append(results, copyEntry(entry))
	}
	return results, nil
}

func copyEntry(entry *Entry) *Entry {
	clone := *entry
	clone.Value = append([]byte(nil), entry.Value...)
	return &clone
}
