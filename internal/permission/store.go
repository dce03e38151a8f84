package permission

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/odysseyml/odyssey/internal/logging"
)

// storeRecord is one line of the approval journal.
type storeRecord struct {
	Key       string    `json:"key"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Revoked   bool      `json:"revoked,omitempty"`
}

// Store persists allow-always approvals as an append-only JSONL
// journal. The full journal is replayed at open; later records win, so
// a revocation line overrides an earlier grant.
type Store struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	granted map[string]bool
}

// OpenStore opens (or creates) the journal at path and replays it.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	granted := make(map[string]bool)
	if data, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(data)
		line := 0
		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			var rec storeRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				logging.Warn("skipping malformed approval record",
					logging.String("path", path),
					logging.Int("line", line),
					logging.Err(err),
				)
				continue
			}
			if rec.Revoked {
				delete(granted, rec.Key)
			} else {
				granted[rec.Key] = true
			}
		}
		data.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read approval journal: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to open approval journal: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval journal for append: %w", err)
	}

	return &Store{path: path, file: file, granted: granted}, nil
}

// Granted reports whether the request key holds a persisted approval.
func (s *Store) Granted(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted[key]
}

// Grant records an allow-always approval for the key.
func (s *Store) Grant(key, agentID string) error {
	return s.append(storeRecord{Key: key, AgentID: agentID, Timestamp: time.Now()})
}

// Revoke withdraws a previously granted approval.
func (s *Store) Revoke(key string) error {
	return s.append(storeRecord{Key: key, Timestamp: time.Now(), Revoked: true})
}

func (s *Store) append(rec storeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to append approval record: %w", err)
	}
	if rec.Revoked {
		delete(s.granted, rec.Key)
	} else {
		s.granted[rec.Key] = true
	}
	return nil
}

// Close closes the journal file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
