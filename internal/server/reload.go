package server

import (
	"sync"
	"sync/atomic"
)

// Updater handles options update, fanning a new Options value out to every
// Agent subscribed to it. The SIGUSR2 reload handler in internal/cli does
// not call Set; it pushes re-read remote credentials to each agent
// returned by Listeners.
type Updater struct {
	v         atomic.Value
	mux       sync.RWMutex
	listeners []*Agent
}

// Get returns current options.
func (u *Updater) Get() Options {
	return u.v.Load().(Options)
}

// Set stores new options and notifies all listeners.
func (u *Updater) Set(o Options) {
	u.v.Store(o)
	u.mux.RLock()
	for _, a := range u.listeners {
		a.setOptions(o)
	}
	u.mux.RUnlock()
}

// Subscribe adds an agent to listeners.
func (u *Updater) Subscribe(a *Agent) {
	u.mux.Lock()
	u.listeners = append(u.listeners, a)
	u.mux.Unlock()
}

// Listeners returns a snapshot of the currently subscribed agents.
func (u *Updater) Listeners() []*Agent {
	u.mux.RLock()
	defer u.mux.RUnlock()
	out := make([]*Agent, len(u.listeners))
	copy(out, u.listeners)
	return out
}

// NewUpdater initializes new updater from options.
func NewUpdater(o Options) *Updater {
	u := &Updater{}
	u.v.Store(o)
	return u
}
