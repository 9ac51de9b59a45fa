package persona

import (
	"sync"

	"github.com/reclassroom/reclass/internal/domain"
)

// Cache holds compiled prompts for one session, keyed by stakeholder role.
// Entries are never invalidated: stakeholders are immutable once a session
// has started.
type Cache struct {
	scenario *domain.Scenario
	style    domain.ResponseStyle

	mu       sync.Mutex
	prompts  map[string]string
	compiles int
}

// NewCache returns a cache bound to a session's scenario and response style.
func NewCache(sc *domain.Scenario, style domain.ResponseStyle) *Cache {
	return &Cache{
		scenario: sc,
		style:    style,
		prompts:  make(map[string]string, len(sc.Stakeholders)),
	}
}

// Prompt returns the compiled prompt for role, compiling on first use.
// It reports false when role is not a stakeholder of the scenario.
func (c *Cache) Prompt(role string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.prompts[role]; ok {
		return p, true
	}
	st, ok := c.scenario.Stakeholder(role)
	if !ok {
		return "", false
	}
	p := Compile(st, c.scenario, c.style)
	c.prompts[role] = p
	c.compiles++
	return p, true
}

// Compiles reports how many prompts have been compiled.
func (c *Cache) Compiles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compiles
}
