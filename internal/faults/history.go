package faults

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Entry is one recorded change of the error state.
type Entry struct {
	At          time.Time
	Code        Code
	Action      string // "set", "ack" or "clear"
	Description string
}

// String renders the entry on one line for "error history".
func (e Entry) String() string {
	s := fmt.Sprintf("%s 0x%02X %s", e.At.UTC().Format(time.RFC3339), uint8(e.Code), e.Action)
	if e.Description != "" {
		s += " " + e.Description
	}
	return s
}

// History is an append-only log of error changes. It survives lockout
// clears and restarts.
type History interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// MemoryHistory keeps entries in memory. Used when no database path is
// configured and in tests.
type MemoryHistory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryHistory creates an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(_ context.Context, e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, limit int) ([]Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, 0, limit)
	for i := len(h.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.entries[i])
	}
	return out, nil
}

func (h *MemoryHistory) Close() error { return nil }
