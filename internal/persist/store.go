package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// SessionSnapshot captures the last reconciled view of one session for
// persistence. It seeds the UI on the next attach while the first live
// refresh is in flight; consumers must treat seeded data as stale.
type SessionSnapshot struct {
	Session     schema.Session      `json:"session"`
	Terminal    schema.TerminalSize `json:"terminal,omitempty"`
	Services    schema.ServiceList  `json:"services"`
	Git         *schema.GitState    `json:"git,omitempty"`
	PersistedAt time.Time           `json:"persisted_at"`
}

// Store persists session snapshots to disk.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a session snapshot from disk.
func (s *Store) Load(sessionID schema.SessionID) (SessionSnapshot, bool, error) {
	path := s.pathForSession(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("state load miss", "session", sessionID)
			}
			return SessionSnapshot{}, false, nil
		}
		if s.log != nil {
			s.log.Warn("state load failed", "session", sessionID, "err", err)
		}
		return SessionSnapshot{}, false, err
	}
	var snapshot SessionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "session", sessionID, "err", err)
		}
		return SessionSnapshot{}, false, err
	}
	if s.log != nil {
		s.log.Debug("state load ok", "session", sessionID, "services", len(snapshot.Services.Services))
	}
	return snapshot, true, nil
}

// Save writes a session snapshot to disk atomically.
func (s *Store) Save(sessionID schema.SessionID, snapshot SessionSnapshot) error {
	path := s.pathForSession(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "session", sessionID, "err", err)
		}
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "session", sessionID, "err", err)
		}
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "session", sessionID, "err", err)
		}
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("state save failed", "session", sessionID, "err", err)
		}
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("state save failed", "session", sessionID, "err", err)
		}
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("state save failed", "session", sessionID, "err", err)
		}
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("state save failed", "session", sessionID, "err", err)
		}
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "session", sessionID, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "session", sessionID, "services", len(snapshot.Services.Services))
	}
	return nil
}

// Delete removes the persisted snapshot for a session. A missing
// snapshot is not an error.
func (s *Store) Delete(sessionID schema.SessionID) error {
	err := os.Remove(s.pathForSession(sessionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		if s.log != nil {
			s.log.Warn("state delete failed", "session", sessionID, "err", err)
		}
		return err
	}
	return nil
}

func (s *Store) pathForSession(sessionID schema.SessionID) string {
	name := sanitize(string(sessionID))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
