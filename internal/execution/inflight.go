package execution

import "sync"

// inflightGuard enforces at most one in-flight order per token. It is safe
// for concurrent use.
type inflightGuard struct {
	owner map[string]string // tokenID -> request id
	mu    sync.Mutex
}

func newInflightGuard() *inflightGuard {
	return &inflightGuard{owner: make(map[string]string)}
}

// acquire claims the token for requestID. It returns false, and the current
// owner, when another request already holds it.
func (g *inflightGuard) acquire(tokenID, requestID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.owner[tokenID]; ok {
		return cur, false
	}
	g.owner[tokenID] = requestID
	return "", true
}

// release frees the token if requestID still owns it.
func (g *inflightGuard) release(tokenID, requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.owner[tokenID] == requestID {
		delete(g.owner, tokenID)
	}
}

func (g *inflightGuard) held(tokenID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.owner[tokenID]
	return ok
}

func (g *inflightGuard) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.owner)
}

func (g *inflightGuard) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.owner)
}
