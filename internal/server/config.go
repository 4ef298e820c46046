package server

import "sync"

// config is the subset of Options that can be hot-swapped while the agent
// is running, read under RLock from the packet and tick loops.
type config struct {
	lock sync.RWMutex

	taMS              int
	maxChecks         int
	keepaliveTimeoutS int
	localUfrag        string
	localPwd          string
}

func newConfig(o Options) *config {
	return &config{
		taMS:              o.TaMS,
		maxChecks:         o.MaxConnectivityChecks,
		keepaliveTimeoutS: o.KeepaliveTimeoutSeconds,
		localUfrag:        o.LocalUfrag,
		localPwd:          o.LocalPwd,
	}
}

func (c *config) TaMS() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.taMS
}

func (c *config) MaxConnectivityChecks() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.maxChecks
}

func (c *config) KeepaliveTimeoutSeconds() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.keepaliveTimeoutS
}
