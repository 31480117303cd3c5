package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InMemoryMarkerStore implements WriteMarkerStore using an in-memory map.
// A session's markers expire sessionTTL after its last write.
type InMemoryMarkerStore struct {
	sessions   map[string]*sessionMarkers
	mu         sync.RWMutex
	sessionTTL time.Duration
	maxSize    int
	logger     *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

type sessionMarkers struct {
	markers   map[string]int64
	expiresAt time.Time
}

// NewInMemoryMarkerStore creates a new in-memory marker store and starts its
// cleanup goroutine. maxSize bounds the number of sessions kept.
func NewInMemoryMarkerStore(sessionTTL time.Duration, maxSize int, logger *zap.Logger) *InMemoryMarkerStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	s := &InMemoryMarkerStore{
		sessions:   make(map[string]*sessionMarkers),
		sessionTTL: sessionTTL,
		maxSize:    maxSize,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}

	go s.cleanup(time.Minute)

	return s
}

// LastWrite returns the marker for key, or 0
func (s *InMemoryMarkerStore) LastWrite(ctx context.Context, sessionID, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sm, exists := s.sessions[sessionID]
	if !exists || time.Now().After(sm.expiresAt) {
		return 0, nil
	}
	return sm.markers[key], nil
}

// RecordWrite overwrites the marker for key and refreshes the session TTL
func (s *InMemoryMarkerStore) RecordWrite(ctx context.Context, sessionID, key string, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sm, exists := s.sessions[sessionID]
	if !exists || now.After(sm.expiresAt) {
		if len(s.sessions) >= s.maxSize {
			s.evictLocked(now)
		}
		sm = &sessionMarkers{markers: make(map[string]int64)}
		s.sessions[sessionID] = sm
	}

	sm.markers[key] = timestamp
	sm.expiresAt = now.Add(s.sessionTTL)
	return nil
}

// Ping always succeeds
func (s *InMemoryMarkerStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the cleanup goroutine
func (s *InMemoryMarkerStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Size returns the number of live sessions
func (s *InMemoryMarkerStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// evictLocked drops an expired session, or any session if none expired
func (s *InMemoryMarkerStore) evictLocked(now time.Time) {
	for id, sm := range s.sessions {
		if now.After(sm.expiresAt) {
			delete(s.sessions, id)
			return
		}
	}
	for id := range s.sessions {
		delete(s.sessions, id)
		s.logger.Debug("Evicted live session markers", zap.String("session_id", id))
		return
	}
}

// cleanup periodically removes expired sessions
func (s *InMemoryMarkerStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for id, sm := range s.sessions {
				if now.After(sm.expiresAt) {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
