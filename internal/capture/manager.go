package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/fleet-receipts/internal/auth"
	"github.com/zombor/fleet-receipts/internal/receipt"
)

// ImageStore keeps captured image bytes until a record references them
type ImageStore interface {
	Save(name string, data []byte) (string, error)
	Delete(key string) error
}

// Manager owns the active sessions of all users. Sessions are isolated from each
// other; the record store is the only thing they share.
type Manager struct {
	pipeline *Pipeline
	images   ImageStore
	ttl      time.Duration
	newID    func() string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager. Sessions idle for longer than ttl are swept.
func NewManager(pipeline *Pipeline, images ImageStore, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		pipeline: pipeline,
		images:   images,
		ttl:      ttl,
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
	}
}

// Begin stores the captured image and opens a session in Captured
func (m *Manager) Begin(user auth.Session, filename string, data []byte) (*Session, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("image is empty")
	}

	id := m.newID()
	imageRef, err := m.images.Save(id+"_"+receipt.SanitizeFilename(filename), data)
	if err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}

	s := m.pipeline.NewSession(id, user, imageRef)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	slog.Info("capture started", "session_id", id, "user_id", user.UserID, "image_ref", imageRef, "bytes", len(data))
	return s, nil
}

// Get returns the user's session; other users' sessions are reported as not found
func (m *Manager) Get(user auth.Session, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok || s.UserID() != user.UserID {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Len returns the number of tracked sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops sessions that have not changed for ttl. Unfinished ones are
// abandoned first so any in-flight call is cancelled, and the images of
// captures that never became a record are deleted. An image is kept while a
// store write for it may still commit.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if now.Sub(s.UpdatedAt()) >= m.ttl {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		if !s.Terminal() {
			_ = s.Abandon()
		}
		if imageRef, ok := s.orphanedImage(); ok {
			if err := m.images.Delete(imageRef); err != nil {
				slog.Warn("deleting abandoned capture image", "session_id", s.ID(), "image_ref", imageRef, "error", err)
			}
		} else {
			slog.Debug("keeping image of swept capture", "session_id", s.ID(), "image_ref", imageRef)
		}
		slog.Debug("capture session swept", "session_id", s.ID(), "user_id", s.UserID())
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				slog.Info("swept capture sessions", "count", n)
			}
		}
	}
}
