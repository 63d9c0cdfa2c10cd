package relay

import (
	"sync"

	"veilchat/internal/domain"
)

// callTable tracks in-flight call phases per participant pair. It is
// purely transient bookkeeping; signals are forwarded regardless, and a
// disconnect wipes every call the party was in.
type callTable struct {
	mu     sync.Mutex
	phases map[string]domain.CallPhase
}

func newCallTable() *callTable {
	return &callTable{phases: make(map[string]domain.CallPhase)}
}

func callKey(a, b domain.UserID) string {
	if a > b {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

func (c *callTable) ring(caller, callee domain.UserID) {
	c.mu.Lock()
	c.phases[callKey(caller, callee)] = domain.CallRinging
	c.mu.Unlock()
}

func (c *callTable) connect(a, b domain.UserID) {
	c.mu.Lock()
	if c.phases[callKey(a, b)] == domain.CallRinging {
		c.phases[callKey(a, b)] = domain.CallConnected
	}
	c.mu.Unlock()
}

func (c *callTable) end(a, b domain.UserID) {
	c.mu.Lock()
	delete(c.phases, callKey(a, b))
	c.mu.Unlock()
}

// dropParty ends every call involving id and returns the counterparts,
// so the server can notify them when the party's connection dies.
func (c *callTable) dropParty(id domain.UserID) []domain.UserID {
	var peers []domain.UserID
	c.mu.Lock()
	for key := range c.phases {
		a, b, ok := splitCallKey(key)
		if !ok {
			continue
		}
		switch id {
		case a:
			peers = append(peers, b)
		case b:
			peers = append(peers, a)
		default:
			continue
		}
		delete(c.phases, key)
	}
	c.mu.Unlock()
	return peers
}

func splitCallKey(key string) (domain.UserID, domain.UserID, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return domain.UserID(key[:i]), domain.UserID(key[i+1:]), true
		}
	}
	return "", "", false
}
