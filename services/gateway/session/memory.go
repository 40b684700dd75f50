// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryEntry struct {
	raw       []byte
	counter   int64
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore implements Store with an in-process map. It exists for
// tests and for lightweight mode when Redis is unreachable at startup;
// state does not survive a restart and is not shared across replicas.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	// now is swappable so window-expiry tests don't sleep.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// GetJSON implements Store.
func (s *MemoryStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(e.raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON implements Store.
func (s *MemoryStore) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memoryEntry{raw: raw, expiresAt: s.now().Add(ttl)}
	return nil
}

// IncrWindow implements Store.
func (s *MemoryStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &memoryEntry{expiresAt: s.now().Add(window)}
		s.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

// ConsumeTokens implements Store.
func (s *MemoryStore) ConsumeTokens(ctx context.Context, key string, budget, used int, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remain := int64(budget)
	if e := s.live(key); e != nil {
		remain = e.counter
	}
	remain -= int64(used)
	if remain < 0 {
		return BudgetExhausted, nil
	}
	s.entries[key] = &memoryEntry{counter: remain, expiresAt: s.now().Add(ttl)}
	return int(remain), nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}
