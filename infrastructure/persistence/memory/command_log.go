package memory

import (
	"context"
	"sync"

	"casefile-backend/domain/collab"
)

// DefaultFetchLimit bounds history replay payloads
const DefaultFetchLimit = 100

// CommandLog is an in-memory append-only CommandLog implementation
type CommandLog struct {
	mu       sync.RWMutex
	commands map[string][]collab.Command
	seq      map[string]int64
	dedup    map[string]map[string]int64 // graphID -> commandID -> seq
}

// NewCommandLog creates a new in-memory command log
func NewCommandLog() *CommandLog {
	return &CommandLog{
		commands: make(map[string][]collab.Command),
		seq:      make(map[string]int64),
		dedup:    make(map[string]map[string]int64),
	}
}

// Append persists a command and returns its sequence number
func (l *CommandLog) Append(ctx context.Context, graphID string, cmd collab.Command) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Duplicate ids are absorbed so retried commands are not double-applied
	if cmd.ID != "" {
		if seq, ok := l.dedup[graphID][cmd.ID]; ok {
			return seq, true, nil
		}
	}

	l.seq[graphID]++
	seq := l.seq[graphID]
	cmd.GraphID = graphID
	cmd.Seq = seq
	l.commands[graphID] = append(l.commands[graphID], cmd)

	if cmd.ID != "" {
		if l.dedup[graphID] == nil {
			l.dedup[graphID] = make(map[string]int64)
		}
		l.dedup[graphID][cmd.ID] = seq
	}

	return seq, false, nil
}

// Fetch returns the most recent limit commands in ascending sequence order
func (l *CommandLog) Fetch(ctx context.Context, graphID string, limit int) ([]collab.Command, error) {
	if limit <= 0 || limit > DefaultFetchLimit {
		limit = DefaultFetchLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.commands[graphID]
	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	out := make([]collab.Command, len(all)-start)
	copy(out, all[start:])
	return out, nil
}
