// Package artifact owns the temporary files of a single request. Every path
// handed out by a Scope is removed by Close, and Close also sweeps anything
// else that was written under the scope's prefix.
package artifact

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a monotonic ULID, safe for concurrent use.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// OwnerID derives a request-unique owner id from the conversation and message.
func OwnerID(chatID int64, messageID int) string {
	return fmt.Sprintf("%d-%d-%s", chatID, messageID, NewID())
}

type Scope struct {
	dir    string
	prefix string
	logger zerolog.Logger

	mu      sync.Mutex
	tracked []string
	once    sync.Once
}

// NewScope creates dir if needed and returns a scope whose files all start
// with "clip_<owner>".
func NewScope(dir, owner string) (*Scope, error) {
	if strings.ContainsAny(owner, `/\*?[`) || owner == "" {
		return nil, fmt.Errorf("artifact: invalid owner %q", owner)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create temp dir: %w", err)
	}
	return &Scope{
		dir:    dir,
		prefix: "clip_" + owner,
		logger: log.With().Str("owner", owner).Logger(),
	}, nil
}

func (s *Scope) Dir() string    { return s.dir }
func (s *Scope) Prefix() string { return s.prefix }

// Pattern is the glob matching every file of this scope.
func (s *Scope) Pattern() string { return filepath.Join(s.dir, s.prefix) + "*" }

// Path allocates a tracked path "<prefix>-<label>.<ext>". ext may be "%(ext)s"
// style templates; the sweep in Close covers whatever the producer wrote.
func (s *Scope) Path(label, ext string) string {
	p := filepath.Join(s.dir, fmt.Sprintf("%s-%s.%s", s.prefix, label, ext))
	s.Track(p)
	return p
}

// Track registers a path produced outside Path for removal.
func (s *Scope) Track(p string) {
	s.mu.Lock()
	s.tracked = append(s.tracked, p)
	s.mu.Unlock()
}

// Close removes tracked files then sweeps the prefix. Safe to call many times;
// only the first call does work. Failures are logged.
func (s *Scope) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		paths := s.tracked
		s.tracked = nil
		s.mu.Unlock()

		removed := 0
		for _, p := range paths {
			if s.remove(p) {
				removed++
			}
		}
		matches, err := filepath.Glob(s.Pattern())
		if err != nil {
			s.logger.Warn().Err(err).Msg("artifact sweep glob failed")
		}
		for _, p := range matches {
			if s.remove(p) {
				removed++
			}
		}
		s.logger.Debug().Int("removed", removed).Msg("artifacts released")
	})
	return nil
}

func (s *Scope) remove(p string) bool {
	if _, err := os.Lstat(p); os.IsNotExist(err) {
		return false
	}
	err := os.RemoveAll(p)
	switch {
	case err == nil:
		return true
	default:
		s.logger.Warn().Err(err).Str("path", p).Msg("artifact delete failed")
		return false
	}
}
