package logx

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LineWriter turns subprocess output into per-line zerolog events at a given
// level and keeps the last lines around for error reports.
type LineWriter struct {
	logger zerolog.Logger
	level  zerolog.Level

	mu    sync.Mutex
	tail  []string
	limit int
}

func NewLineWriter(fields map[string]string, level zerolog.Level) *LineWriter {
	l := log.Logger
	w := l.With()
	for k, v := range fields {
		w = w.Str(k, v)
	}
	return &LineWriter{logger: w.Logger(), level: level, limit: 20}
}

// Pipe consumes r until EOF.
func (lw *LineWriter) Pipe(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		lw.keep(line)
		lw.logger.WithLevel(lw.level).Msg(line)
	}
}

func (lw *LineWriter) keep(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.tail = append(lw.tail, line)
	if len(lw.tail) > lw.limit {
		lw.tail = lw.tail[len(lw.tail)-lw.limit:]
	}
}

// Tail returns the last captured lines joined by newlines.
func (lw *LineWriter) Tail() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return strings.Join(lw.tail, "\n")
}
