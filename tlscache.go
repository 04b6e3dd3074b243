package ftps

import (
	"crypto/tls"
	"sync"
)

// sessionCache is the TLS session cache of one control connection.
//
// crypto/tls looks cached sessions up by ServerName, or by the peer address
// when ServerName is empty. A passive data connection goes to a different
// port than the control connection, so without help it would never find the
// control session and every data handshake would be a full one. Servers that
// insist on reuse (vsftpd require_ssl_reuse, FileZilla, ProFTPD
// TLSOptions NoSessionReuseRequired unset) then reject the transfer.
//
// The cache keeps an explicit table binding data channel keys to the key of
// the control channel. Lookups through a bound key return the control
// session; stores through a bound key are dropped so the control session
// stays authoritative.
type sessionCache struct {
	mu       sync.Mutex
	states   map[string]*tls.ClientSessionState
	bindings map[string]string
}

var _ tls.ClientSessionCache = (*sessionCache)(nil)

func newSessionCache() *sessionCache {
	return &sessionCache{
		states:   make(map[string]*tls.ClientSessionState),
		bindings: make(map[string]string),
	}
}

// Get implements tls.ClientSessionCache.
func (c *sessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if target, ok := c.bindings[key]; ok {
		key = target
	}
	cs, ok := c.states[key]
	return cs, ok
}

// Put implements tls.ClientSessionCache. A nil state evicts the entry.
func (c *sessionCache) Put(key string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, bound := c.bindings[key]; bound {
		return
	}
	if cs == nil {
		delete(c.states, key)
		return
	}
	c.states[key] = cs
}

// bind makes dataKey resolve to the session stored under controlKey. It
// reports false when there is no control session to bind to.
func (c *sessionCache) bind(dataKey, controlKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.states[controlKey]; !ok {
		return false
	}
	if dataKey != controlKey {
		c.bindings[dataKey] = controlKey
	}
	return true
}

// unbind drops the binding of a finished data connection.
func (c *sessionCache) unbind(dataKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, dataKey)
}

// has reports whether a session is stored under key.
func (c *sessionCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[key]
	return ok
}
