// Package auth demultiplexes inbound STUN binding requests across the
// ICE sessions a single agent hosts concurrently, keyed by the local
// ufrag carried in the USERNAME attribute (RFC 5245 §7.1.2.3 names it
// "<local-ufrag>:<remote-ufrag>").
package auth

import (
	"strings"
	"sync"

	"github.com/gortc/stun"
	"github.com/pkg/errors"

	"github.com/SkySwitch/mediastreamer2/internal/ice"
)

var errUnknownUfrag = errors.New("no session registered for ufrag")

// Registry maps a session's local ufrag to the session itself, so one
// shared socket can host several peer connections and route an inbound
// request to the session it belongs to before handing it to the session's
// own short-term integrity check.
type Registry struct {
	mux      sync.RWMutex
	sessions map[string]*ice.Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*ice.Session)}
}

// Register makes s reachable by its local ufrag.
func (r *Registry) Register(s *ice.Session) {
	r.mux.Lock()
	r.sessions[s.LocalUfrag()] = s
	r.mux.Unlock()
}

// Unregister removes a session; server.Agent calls it when the agent is
// closed.
func (r *Registry) Unregister(s *ice.Session) {
	r.mux.Lock()
	delete(r.sessions, s.LocalUfrag())
	r.mux.Unlock()
}

// Lookup resolves a request's USERNAME to its owning session.
func (r *Registry) Lookup(m *stun.Message) (*ice.Session, error) {
	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return nil, errors.Wrap(err, "get username")
	}
	ufrag := string(username)
	if i := strings.IndexByte(ufrag, ':'); i >= 0 {
		ufrag = ufrag[:i]
	}
	r.mux.RLock()
	s, ok := r.sessions[ufrag]
	r.mux.RUnlock()
	if !ok {
		return nil, errUnknownUfrag
	}
	return s, nil
}

// Len reports how many sessions are currently registered.
func (r *Registry) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.sessions)
}
