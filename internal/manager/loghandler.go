package manager

import (
	"context"
	"sync"
	"time"

	"rulehive/internal/engine"
	"rulehive/internal/store"
)

// ProcessLog is the store-backed engine.LogHandler: container output is
// buffered line by line and appended to the process's log on Flush.
type ProcessLog struct {
	store     store.Store
	processID int64

	mu     sync.Mutex
	lines  []string
	readAt time.Time
}

var _ engine.LogHandler = (*ProcessLog)(nil)

// NewProcessLog creates a log handler bound to one worker process.
func NewProcessLog(s store.Store, processID int64) *ProcessLog {
	return &ProcessLog{store: s, processID: processID}
}

func (l *ProcessLog) Write(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
	return nil
}

func (l *ProcessLog) Flush() error {
	l.mu.Lock()
	lines := l.lines
	l.lines = nil
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, line := range lines {
		if err := l.store.AppendProcessLog(ctx, l.processID, line); err != nil {
			return err
		}
	}
	return nil
}

func (l *ProcessLog) LogReadAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAt
}

func (l *ProcessLog) SetLogReadAt(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readAt = t
}
