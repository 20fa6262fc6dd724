// Package session tracks the signed-in identity of an editor session and
// stores sign-in sessions in Redis.
package session

import (
	"errors"
	"sync"
)

var ErrNoIdentity = errors.New("no signed-in identity")

type Identity struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

// Context holds the current identity. Persistence and voice operations call
// Require before doing any work.
type Context struct {
	mu        sync.RWMutex
	identity  Identity
	present   bool
	observers []func(Identity, bool)
}

func NewContext(identity Identity) *Context {
	c := &Context{}
	if identity.UserID != "" {
		c.identity = identity
		c.present = true
	}
	return c
}

func (c *Context) Identity() (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.present
}

func (c *Context) Require() (Identity, error) {
	identity, ok := c.Identity()
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return identity, nil
}

// OnChange registers fn for every identity change, including sign-out.
func (c *Context) OnChange(fn func(identity Identity, present bool)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Context) Set(identity Identity) {
	if identity.UserID == "" {
		c.Clear()
		return
	}
	c.update(identity, true)
}

func (c *Context) Clear() {
	c.update(Identity{}, false)
}

func (c *Context) update(identity Identity, present bool) {
	c.mu.Lock()
	if c.present == present && c.identity == identity {
		c.mu.Unlock()
		return
	}
	c.identity = identity
	c.present = present
	observers := append([]func(Identity, bool){}, c.observers...)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(identity, present)
	}
}
