// Package state persists session records across restarts.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/odysseyml/odyssey/pkg/types"
)

// SessionState describes a session's lifecycle phase.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionClosed SessionState = "closed"
)

// Session is the persisted record of an agent session.
type Session struct {
	ID             types.SessionID      `json:"id"`
	AgentID        string               `json:"agent_id"`
	WorkspaceRoot  string               `json:"workspace_root"`
	SandboxMode    types.SandboxMode    `json:"sandbox_mode"`
	PermissionMode types.PermissionMode `json:"permission_mode"`
	Provider       string               `json:"provider"`
	Policy         *types.SandboxPolicy `json:"policy,omitempty"`
	State          SessionState         `json:"state"`
	Turns          int                  `json:"turns"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Store defines the interface for session record storage.
type Store interface {
	// Create stores a new session record.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by ID.
	Get(ctx context.Context, id types.SessionID) (*Session, error)

	// List retrieves session records, newest first.
	List(ctx context.Context, limit, offset int) ([]*Session, error)

	// Update updates an existing session record.
	Update(ctx context.Context, session *Session) error

	// Delete removes a session record by ID.
	Delete(ctx context.Context, id types.SessionID) error
}

// MemoryStore implements Store using in-memory storage. Useful for
// testing and development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[types.SessionID]*Session
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[types.SessionID]*Session),
	}
}

// Create stores a new session record.
func (s *MemoryStore) Create(ctx context.Context, session *Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}

	// Make a copy to avoid external mutations
	sess := *session
	s.sessions[session.ID] = &sess
	return nil
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(ctx context.Context, id types.SessionID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, types.ErrSessionNotFound
	}

	result := *sess
	return &result, nil
}

// List retrieves session records, newest first.
func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Session
	for _, sess := range s.sessions {
		copy := *sess
		result = append(result, &copy)
	}
	sortSessions(result)

	return paginate(result, limit, offset), nil
}

// Update updates an existing session record.
func (s *MemoryStore) Update(ctx context.Context, session *Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; !exists {
		return types.ErrSessionNotFound
	}

	session.UpdatedAt = time.Now()
	sess := *session
	s.sessions[session.ID] = &sess
	return nil
}

// Delete removes a session record by ID.
func (s *MemoryStore) Delete(ctx context.Context, id types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return types.ErrSessionNotFound
	}

	delete(s.sessions, id)
	return nil
}

// FileStore implements Store using file-based JSON storage. Each
// session record is stored as a JSON file under <base>/sessions.
type FileStore struct {
	mu       sync.RWMutex
	basePath string
}

// NewFileStore creates a new file-based store.
func NewFileStore(basePath string) (*FileStore, error) {
	if basePath == "" {
		return nil, errors.New("base path cannot be empty")
	}

	sessPath := filepath.Join(basePath, "sessions")
	if err := os.MkdirAll(sessPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	return &FileStore{
		basePath: basePath,
	}, nil
}

func (s *FileStore) sessionPath(id types.SessionID) string {
	return filepath.Join(s.basePath, "sessions", id.String()+".json")
}

// Create stores a new session record.
func (s *FileStore) Create(ctx context.Context, session *Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.sessionPath(session.ID)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("session %s already exists", session.ID)
	}

	return s.write(path, session)
}

// Get retrieves a session by ID.
func (s *FileStore) Get(ctx context.Context, id types.SessionID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

// List retrieves session records, newest first.
func (s *FileStore) List(ctx context.Context, limit, offset int) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessDir := filepath.Join(s.basePath, "sessions")
	entries, err := os.ReadDir(sessDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var result []*Session
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(sessDir, entry.Name()))
		if err != nil {
			continue
		}

		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			continue
		}
		result = append(result, &session)
	}
	sortSessions(result)

	return paginate(result, limit, offset), nil
}

// Update updates an existing session record.
func (s *FileStore) Update(ctx context.Context, session *Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.sessionPath(session.ID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return types.ErrSessionNotFound
	}

	session.UpdatedAt = time.Now()
	return s.write(path, session)
}

// Delete removes a session record by ID.
func (s *FileStore) Delete(ctx context.Context, id types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.sessionPath(id)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return types.ErrSessionNotFound
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	return nil
}

func (s *FileStore) write(path string, session *Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	return nil
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

func paginate(sessions []*Session, limit, offset int) []*Session {
	if offset >= len(sessions) {
		return []*Session{}
	}

	end := offset + limit
	if limit <= 0 || end > len(sessions) {
		end = len(sessions)
	}

	return sessions[offset:end]
}

// Ensure implementations satisfy the interface
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)
