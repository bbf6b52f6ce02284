package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestCache() *LocalCache {
	return NewLocalCache("jobs", time.Minute)
}

func TestEntryLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	// Create.
	ticket, err := c.OpenNewTicket(ctx, "k1", 5*time.Second)
	if err != nil || !ticket.Valid() {
		t.Fatalf("openNewTicket: %v %v", ticket.Grant, err)
	}
	if ticket.Revision != 0 {
		t.Errorf("revision = %d, want 0", ticket.Revision)
	}

	rev, err := c.AddEntry(ctx, ticket, "READY", []byte(`{"v":1}`))
	if err != nil || rev != 1 {
		t.Fatalf("addEntry: rev=%d err=%v", rev, err)
	}
	if err := c.CloseTicket(ctx, ticket); err != nil {
		t.Fatalf("closeTicket: %v", err)
	}

	// Update.
	ticket, err = c.OpenTicket(ctx, "k1", 1, 5*time.Second)
	if err != nil || !ticket.Valid() {
		t.Fatalf("openTicket: %v %v", ticket.Grant, err)
	}
	rev, err = c.UpdateEntry(ctx, ticket, "RUNNING", []byte(`{"v":2}`))
	if err != nil || rev != 2 {
		t.Fatalf("updateEntry: rev=%d err=%v", rev, err)
	}
	c.CloseTicket(ctx, ticket)

	entry, err := c.QueryKey(ctx, "k1")
	if err != nil || entry == nil {
		t.Fatalf("queryKey: %v %v", entry, err)
	}
	if entry.Revision != 2 || entry.Status != "RUNNING" {
		t.Errorf("entry = %+v", entry)
	}

	// Remove.
	ticket, err = c.OpenTicket(ctx, "k1", 2, 5*time.Second)
	if err != nil || !ticket.Valid() {
		t.Fatalf("openTicket: %v %v", ticket.Grant, err)
	}
	if err := c.RemoveEntry(ctx, ticket); err != nil {
		t.Fatalf("removeEntry: %v", err)
	}
	c.CloseTicket(ctx, ticket)

	entry, err = c.QueryKey(ctx, "k1")
	if err != nil || entry != nil {
		t.Fatalf("queryKey after remove: %v %v", entry, err)
	}

	// Key is reusable after removal.
	ticket, err = c.OpenNewTicket(ctx, "k1", 5*time.Second)
	if err != nil || !ticket.Valid() || ticket.Revision != 0 {
		t.Fatalf("reopen: %+v %v", ticket, err)
	}
}

func TestConcurrentOpenNewTicket(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	const workers = 16
	tickets := make([]Ticket, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, err := c.OpenNewTicket(ctx, "k2", 5*time.Second)
			if err != nil {
				t.Errorf("openNewTicket: %v", err)
				return
			}
			tickets[i] = ticket
		}(i)
	}
	wg.Wait()

	valid := 0
	for _, ticket := range tickets {
		if ticket.Valid() {
			valid++
		} else if ticket.Grant != GrantSuperseded {
			t.Errorf("grant = %v, want superseded", ticket.Grant)
		}
	}
	if valid != 1 {
		t.Fatalf("valid tickets = %d, want exactly 1", valid)
	}

	// Only the winner can write; a superseded ticket fails ErrTicket.
	for _, ticket := range tickets {
		_, err := c.AddEntry(ctx, ticket, "READY", nil)
		if ticket.Valid() {
			if err != nil {
				t.Errorf("winner addEntry: %v", err)
			}
		} else if !errors.Is(err, ErrTicket) {
			t.Errorf("loser addEntry err = %v, want ErrTicket", err)
		}
	}
}

func TestOpenTicketOutcomes(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	// No entry: missing.
	ticket, _ := c.OpenTicket(ctx, "k3", 1, time.Second)
	if ticket.Grant != GrantMissing {
		t.Errorf("grant = %v, want missing", ticket.Grant)
	}

	nt, _ := c.OpenNewTicket(ctx, "k3", time.Second)
	c.AddEntry(ctx, nt, "READY", nil)
	c.CloseTicket(ctx, nt)

	// Requested revision ahead of latest: missing.
	ticket, _ = c.OpenTicket(ctx, "k3", 5, time.Second)
	if ticket.Grant != GrantMissing {
		t.Errorf("grant = %v, want missing", ticket.Grant)
	}

	// Exact revision: valid.
	ticket, _ = c.OpenTicket(ctx, "k3", 1, time.Second)
	if !ticket.Valid() {
		t.Fatalf("grant = %v, want valid", ticket.Grant)
	}

	// Second open while the first is held: superseded.
	other, _ := c.OpenTicket(ctx, "k3", 1, time.Second)
	if other.Grant != GrantSuperseded {
		t.Errorf("grant = %v, want superseded", other.Grant)
	}
	c.CloseTicket(ctx, ticket)

	// Behind latest after an update: superseded.
	ticket, _ = c.OpenTicket(ctx, "k3", 1, time.Second)
	c.UpdateEntry(ctx, ticket, "RUNNING", nil)
	c.CloseTicket(ctx, ticket)

	ticket, _ = c.OpenTicket(ctx, "k3", 1, time.Second)
	if ticket.Grant != GrantSuperseded {
		t.Errorf("grant = %v, want superseded", ticket.Grant)
	}
}

func TestTicketExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	ticket, _ := c.OpenNewTicket(ctx, "k4", time.Millisecond)
	if !ticket.Valid() {
		t.Fatal("expected valid ticket")
	}
	time.Sleep(5 * time.Millisecond)

	// Operations on an expired ticket fail.
	if _, err := c.AddEntry(ctx, ticket, "READY", nil); !errors.Is(err, ErrTicket) {
		t.Errorf("addEntry err = %v, want ErrTicket", err)
	}

	// The expired ticket no longer blocks the key.
	next, err := c.OpenNewTicket(ctx, "k4", time.Second)
	if err != nil || !next.Valid() {
		t.Fatalf("open after expiry: %v %v", next.Grant, err)
	}

	// Closing the stale ticket is a harmless no-op.
	if err := c.CloseTicket(ctx, ticket); err != nil {
		t.Errorf("closeTicket: %v", err)
	}
	if _, err := c.GetEntry(ctx, next); !errors.Is(err, ErrNotFound) {
		t.Errorf("getEntry before add: %v", err)
	}
}

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	cases := []struct {
		key      string
		duration time.Duration
		want     error
	}{
		{"", time.Second, ErrIllegalArgument},
		{"bad key", time.Second, ErrIllegalArgument},
		{"_hidden", time.Second, ErrIllegalArgument},
		{"trac_internal", time.Second, ErrIllegalArgument},
		{"ok", 0, ErrIllegalArgument},
		{"ok", -time.Second, ErrIllegalArgument},
		{"ok", time.Hour, ErrTicket}, // over the 1 minute policy max
	}

	for _, tc := range cases {
		_, err := c.OpenNewTicket(ctx, tc.key, tc.duration)
		if !errors.Is(err, tc.want) {
			t.Errorf("open(%q, %v) err = %v, want %v", tc.key, tc.duration, err, tc.want)
		}
	}
}

func TestQueryStatus(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	add := func(key, status string) {
		t.Helper()
		ticket, _ := c.OpenNewTicket(ctx, key, time.Minute)
		if _, err := c.AddEntry(ctx, ticket, status, nil); err != nil {
			t.Fatalf("add %s: %v", key, err)
		}
		c.CloseTicket(ctx, ticket)
	}

	add("a", "RUNNING")
	add("b", "RUNNING")
	add("c", "SUCCEEDED")

	entries, err := c.QueryStatus(ctx, []string{"RUNNING"}, true)
	if err != nil || len(entries) != 2 {
		t.Fatalf("queryStatus: %d entries, err %v", len(entries), err)
	}

	// Hold a ticket on one RUNNING entry; filtered view hides it.
	held, _ := c.OpenTicket(ctx, "a", 1, time.Minute)
	if !held.Valid() {
		t.Fatal("expected valid ticket")
	}
	entries, err = c.QueryStatus(ctx, []string{"RUNNING"}, false)
	if err != nil || len(entries) != 1 || entries[0].Key != "b" {
		t.Fatalf("filtered queryStatus: %+v err %v", entries, err)
	}
}

func TestValueCodecTransientFields(t *testing.T) {
	type jobState struct {
		JobKey  string `json:"jobKey"`
		Status  string `json:"status"`
		Process int    `json:"process,omitempty"` // process-local, not persisted
	}

	codec := NewValueCodec("process")

	blob, err := codec.Encode(jobState{JobKey: "j1", Status: "RUNNING", Process: 4242})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var restored jobState
	if err := codec.Decode(blob, &restored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if restored.JobKey != "j1" || restored.Status != "RUNNING" {
		t.Errorf("restored = %+v", restored)
	}
	if restored.Process != 0 {
		t.Errorf("transient field persisted: %d", restored.Process)
	}
}
