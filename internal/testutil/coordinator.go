package testutil

import (
	"sync"

	"github.com/ballastdb/ballast/internal/replica"
)

// ScriptedCoordinator answers MayWrite from a script of Authority values,
// then repeats the final answer. Used to exercise authority revocation in
// the middle of a multi-step migration.
type ScriptedCoordinator struct {
	mu     sync.Mutex
	id     string
	script []replica.Authority
	calls  int
}

// NewScriptedCoordinator builds a coordinator with the given identity and
// MayWrite script. An empty script always allows.
func NewScriptedCoordinator(id string, script ...replica.Authority) *ScriptedCoordinator {
	return &ScriptedCoordinator{id: id, script: script}
}

func (c *ScriptedCoordinator) ReplicaID() string { return c.id }

func (c *ScriptedCoordinator) MayWrite() replica.Authority {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.script) == 0 {
		return replica.Authority{Allowed: true, AuthorityLevel: "primary"}
	}
	i := c.calls - 1
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	return c.script[i]
}

// Calls returns how many times MayWrite has been consulted.
func (c *ScriptedCoordinator) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Revoke appends a permanent refusal to the script, taking effect on the
// next MayWrite call.
func (c *ScriptedCoordinator) Revoke(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	refusal := replica.Authority{Allowed: false, Reason: reason, AuthorityLevel: "secondary"}
	// Pad so the refusal starts at the next call, not a scripted position.
	for len(c.script) < c.calls {
		c.script = append(c.script, replica.Authority{Allowed: true, AuthorityLevel: "primary"})
	}
	c.script = append(c.script[:c.calls], refusal)
}
