package relay

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/parley/internal/transport"
)

const sendBufferSize = 256

// Conn is one authenticated client connection.
type Conn struct {
	id   string
	user string
	sock transport.Socket
	send chan []byte

	once sync.Once
	done chan struct{}

	// guarded by Hub.mu
	groups map[string]struct{}
}

func newConn(user string, sock transport.Socket) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		user:   user,
		sock:   sock,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		groups: make(map[string]struct{}),
	}
}

// enqueue queues data for the write pump. A connection that cannot keep up is
// closed.
func (c *Conn) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Warnf("RELAY [%s]: send buffer full for %s, dropping connection", c.id, c.user)
		c.close()
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

// writePump drains the send queue onto the socket.
func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			if err := c.sock.WriteMessage(b); err != nil {
				log.Debugf("RELAY [%s]: write: %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

// Hub tracks the connections of this relay instance and their group
// memberships.
type Hub struct {
	mu     sync.RWMutex
	users  map[string]map[*Conn]struct{}
	groups map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		users:  make(map[string]map[*Conn]struct{}),
		groups: make(map[string]map[*Conn]struct{}),
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.users[c.user]
	if set == nil {
		set = make(map[*Conn]struct{})
		h.users[c.user] = set
	}
	set[c] = struct{}{}
	log.Infof("RELAY: %s connected (%s, %d local connections)", c.user, c.id, len(set))
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for g := range c.groups {
		h.dropFromGroupLocked(g, c)
	}
	c.groups = make(map[string]struct{})
	if set, ok := h.users[c.user]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.user)
		}
	}
	log.Infof("RELAY: %s disconnected (%s)", c.user, c.id)
}

func (h *Hub) join(c *Conn, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.groups[groupID]
	if set == nil {
		set = make(map[*Conn]struct{})
		h.groups[groupID] = set
	}
	set[c] = struct{}{}
	c.groups[groupID] = struct{}{}
	log.Debugf("GROUP: %s joined %s (%d members)", c.user, groupID, len(set))
}

func (h *Hub) leave(c *Conn, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.groups, groupID)
	h.dropFromGroupLocked(groupID, c)
	log.Debugf("GROUP: %s left %s", c.user, groupID)
}

func (h *Hub) dropFromGroupLocked(groupID string, c *Conn) {
	if set, ok := h.groups[groupID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.groups, groupID)
		}
	}
}

// joined reports whether c has joined groupID.
func (h *Hub) joined(c *Conn, groupID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.groups[groupID]
	return ok
}

// deliver enqueues d on every matching local connection, each at most once.
// It returns the number of connections reached.
func (h *Hub) deliver(d Delivery) int {
	h.mu.RLock()
	targets := make(map[*Conn]struct{})
	for _, u := range d.Users {
		for c := range h.users[u] {
			targets[c] = struct{}{}
		}
	}
	if d.Group != "" {
		for c := range h.groups[d.Group] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	n := 0
	for c := range targets {
		if c.id == d.ExceptConn {
			continue
		}
		c.enqueue(d.Data)
		n++
	}
	return n
}

// Users returns the users with at least one local connection, sorted.
func (h *Hub) Users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.users))
	for u := range h.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Members returns the users with a local connection joined to groupID, sorted.
func (h *Hub) Members(groupID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	for c := range h.groups[groupID] {
		seen[c.user] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// closeAll tears down every connection.
func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*Conn
	for _, set := range h.users {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
}
