// Package store persists per-session queue state as versioned JSON files.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/coordinator/queue"
)

// envelopeVersion is the current on-disk schema version. Records with an
// unknown version load as empty rather than failing.
const envelopeVersion = 1

// envelope is the persisted record for one session.
type envelope struct {
	Version int           `json:"version"`
	Items   []*queue.Item `json:"items"`
}

// pendingWrite is the latest queued operation for a session. Saves coalesce:
// only the most recent snapshot is written.
type pendingWrite struct {
	data   []byte
	remove bool
}

// sessionWriter serializes disk access for one session key.
type sessionWriter struct {
	mu      sync.Mutex
	pending *pendingWrite
	running bool
}

// FileStore writes one file per session under a base directory. Each save
// replaces the whole file atomically (write to a temp file in the same
// directory, fsync, rename). Saves are applied asynchronously by a
// per-session writer goroutine; mutations for one session never race, and
// different sessions proceed independently.
type FileStore struct {
	dir    string
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionWriter
	closed   bool
	wg       sync.WaitGroup
}

// NewFileStore creates the base directory if needed and returns a store.
func NewFileStore(dir string, log *logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{
		dir:      dir,
		logger:   log.WithFields(zap.String("component", "queue-store")),
		sessions: make(map[string]*sessionWriter),
	}, nil
}

// Save queues a durable write of the full ordered item list for a session.
// It returns once the snapshot is enqueued for persistence; the disk write
// happens on the session's writer goroutine. Write failures are logged,
// never surfaced: the queue keeps working with best-effort durability.
func (s *FileStore) Save(sessionID string, items []*queue.Item) {
	data, err := json.MarshalIndent(envelope{Version: envelopeVersion, Items: items}, "", "  ")
	if err != nil {
		s.logger.Error("failed to marshal queue state",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	s.schedule(sessionID, &pendingWrite{data: data})
}

// Delete queues removal of all persisted state for a session.
func (s *FileStore) Delete(sessionID string) {
	s.schedule(sessionID, &pendingWrite{remove: true})
}

// schedule records the latest pending operation for the session and makes
// sure a writer goroutine is draining it.
func (s *FileStore) schedule(sessionID string, op *pendingWrite) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("save dropped, store is closed", zap.String("session_id", sessionID))
		return
	}
	sw, ok := s.sessions[sessionID]
	if !ok {
		sw = &sessionWriter{}
		s.sessions[sessionID] = sw
	}
	s.mu.Unlock()

	sw.mu.Lock()
	sw.pending = op
	if !sw.running {
		sw.running = true
		s.wg.Add(1)
		go s.drain(sessionID, sw)
	}
	sw.mu.Unlock()
}

// drain applies pending operations for one session until none remain.
func (s *FileStore) drain(sessionID string, sw *sessionWriter) {
	defer s.wg.Done()
	for {
		sw.mu.Lock()
		op := sw.pending
		sw.pending = nil
		if op == nil {
			sw.running = false
			sw.mu.Unlock()
			return
		}
		sw.mu.Unlock()

		if op.remove {
			s.removeFile(sessionID)
			continue
		}
		s.writeFile(sessionID, op.data)
	}
}

// writeFile performs the atomic replace. A failure is logged and absorbed.
func (s *FileStore) writeFile(sessionID string, data []byte) {
	path := s.path(sessionID)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-")
	if err != nil {
		s.logger.Error("failed to create temp file",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		s.logger.Error("failed to write queue state",
			zap.String("session_id", sessionID),
			zap.NamedError("write_error", werr),
			zap.NamedError("close_error", cerr))
		return
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		s.logger.Error("failed to replace queue state file",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	s.logger.Debug("queue state persisted",
		zap.String("session_id", sessionID),
		zap.Int("bytes", len(data)))
}

func (s *FileStore) removeFile(sessionID string) {
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		s.logger.Error("failed to delete queue state file",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// Load reads the persisted item list for a session. A missing file yields
// an empty list. Unreadable or unparseable state, including an unknown
// version tag, is logged and treated as empty; Load never fails in a way
// that blocks startup.
func (s *FileStore) Load(sessionID string) []*queue.Item {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read queue state, starting empty",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		return nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("corrupt queue state, starting empty",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil
	}
	if env.Version != envelopeVersion {
		s.logger.Warn("unknown queue state version, starting empty",
			zap.String("session_id", sessionID),
			zap.Int("version", env.Version))
		return nil
	}

	return env.Items
}

// Sessions lists the session keys with persisted state on disk.
func (s *FileStore) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Flush blocks until every queued write has reached disk.
func (s *FileStore) Flush() {
	s.wg.Wait()
}

// Close flushes pending writes and rejects further saves.
func (s *FileStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// path maps a session key to its state file, sanitizing characters that
// are not filesystem-safe.
func (s *FileStore) path(sessionID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, sessionID)
	return filepath.Join(s.dir, safe+".json")
}
