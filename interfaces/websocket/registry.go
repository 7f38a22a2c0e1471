package websocket

import (
	"sort"
	"sync"
	"time"

	"casefile-backend/domain/collab"
	apperrors "casefile-backend/pkg/errors"
)

// palette is the fixed set of cursor colors handed out round-robin.
// Colors repeat once more connections than colors exist.
var palette = []string{
	"#e6194b",
	"#3cb44b",
	"#ffe119",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#bcf60c",
	"#008080",
}

// Registry tracks live connections and their presence state. It is
// safe for concurrent use; the coordinator and HTTP handlers both
// read from it.
type Registry struct {
	mu         sync.RWMutex
	presences  map[string]*collab.Presence
	colorIndex int
}

func NewRegistry() *Registry {
	return &Registry{
		presences: make(map[string]*collab.Presence),
	}
}

// Bind registers a connection for an authenticated user and assigns
// its presence color. Binding an already bound connection refreshes
// the display name but keeps the color.
func (r *Registry) Bind(connectionID, userID, displayName string) (collab.Presence, error) {
	if userID == "" {
		return collab.Presence{}, apperrors.NewUnauthenticatedError("user identity required to bind connection")
	}
	if displayName == "" {
		displayName = userID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.presences[connectionID]; ok {
		p.UserID = userID
		p.DisplayName = displayName
		p.LastActiveAt = time.Now()
		return *p, nil
	}

	p := &collab.Presence{
		ConnectionID: connectionID,
		UserID:       userID,
		DisplayName:  displayName,
		Color:        palette[r.colorIndex%len(palette)],
		LastActiveAt: time.Now(),
	}
	r.colorIndex++
	r.presences[connectionID] = p
	return *p, nil
}

// Unbind removes a connection. Unknown connections are a no-op.
func (r *Registry) Unbind(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.presences, connectionID)
}

// SetGraph associates a bound connection with a graph session.
func (r *Registry) SetGraph(connectionID, graphID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.presences[connectionID]; ok {
		p.GraphID = graphID
		p.Cursor = nil
		p.SelectedEntityID = ""
		p.LastActiveAt = time.Now()
	}
}

// ClearGraph detaches a connection from its graph session without
// unbinding it.
func (r *Registry) ClearGraph(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.presences[connectionID]; ok {
		p.GraphID = ""
		p.Cursor = nil
		p.SelectedEntityID = ""
	}
}

// UpdatePresence applies a partial presence update. Unknown
// connections are a no-op.
func (r *Registry) UpdatePresence(connectionID string, patch collab.PresencePatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.presences[connectionID]
	if !ok {
		return
	}
	if patch.Cursor != nil {
		cursor := *patch.Cursor
		p.Cursor = &cursor
	}
	if patch.SelectedEntityID != nil {
		p.SelectedEntityID = *patch.SelectedEntityID
	}
	p.LastActiveAt = time.Now()
}

// Get returns a copy of the presence for a connection.
func (r *Registry) Get(connectionID string) (collab.Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presences[connectionID]
	if !ok {
		return collab.Presence{}, false
	}
	return *p, true
}

// List returns copies of all presences attached to a graph, ordered
// by connection id for deterministic output.
func (r *Registry) List(graphID string) []collab.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []collab.Presence
	for _, p := range r.presences {
		if p.GraphID == graphID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// ConnectionsForUser returns the connection ids currently bound for a
// user, across all graphs.
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, p := range r.presences {
		if p.UserID == userID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of bound connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.presences)
}
