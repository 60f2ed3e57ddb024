package presence

import (
	"context"
	"sync"
)

// Tracker counts live sessions per user. Connect reports whether this was the
// user's first session and Disconnect whether it was the last.
type Tracker interface {
	Connect(ctx context.Context, userID int) (bool, error)
	Disconnect(ctx context.Context, userID int) (bool, error)
	Refresh(ctx context.Context, userID int) error
	Online(ctx context.Context, userIDs []int) (map[int]bool, error)
}

// Memory is a Tracker for a single instance.
type Memory struct {
	mu       sync.Mutex
	sessions map[int]int
}

// NewMemory constructs an empty Memory tracker.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[int]int)}
}

func (m *Memory) Connect(_ context.Context, userID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[userID]++
	return m.sessions[userID] == 1, nil
}

func (m *Memory) Disconnect(_ context.Context, userID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.sessions[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(m.sessions, userID)
		return true, nil
	}
	m.sessions[userID] = n - 1
	return false, nil
}

func (m *Memory) Refresh(context.Context, int) error { return nil }

func (m *Memory) Online(_ context.Context, userIDs []int) (map[int]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = m.sessions[id] > 0
	}
	return out, nil
}
