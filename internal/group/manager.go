// Package group ties group conversation views to connection-scoped relay
// membership. Views subscribe and release; the first view of a group joins it,
// the last one to leave sends leaveGroup.
package group

import (
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("group")

// Connection is the subset of the realtime manager used for membership.
type Connection interface {
	Send(env proto.Envelope) bool
	AddGroup(groupID string) bool
	RemoveGroup(groupID string) bool
}

// Manager reference-counts view subscriptions per group.
type Manager struct {
	conn Connection

	mu   sync.Mutex
	refs map[string]int
}

// New creates a group membership manager.
func New(conn Connection) *Manager {
	return &Manager{conn: conn, refs: make(map[string]int)}
}

// Subscribe registers a view on groupID. The returned func releases it and is
// safe to call more than once. When the connection is down the join is not
// sent now; the connection replays it once it is back.
func (m *Manager) Subscribe(groupID string) (unsubscribe func(), err error) {
	groupID, err = util.ValidateID(groupID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.refs[groupID]++
	if m.refs[groupID] == 1 {
		m.conn.AddGroup(groupID)
		if !m.conn.Send(proto.MustNew(proto.TypeJoinGroup, proto.GroupPayload{GroupID: groupID})) {
			log.Debugf("GROUP: join %s deferred until reconnect", groupID)
		} else {
			log.Infof("GROUP: joined %s", groupID)
		}
	}
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { m.release(groupID) }) }, nil
}

func (m *Manager) release(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.refs[groupID]
	if !ok {
		return
	}
	if n > 1 {
		m.refs[groupID] = n - 1
		return
	}
	delete(m.refs, groupID)
	m.conn.RemoveGroup(groupID)
	if m.conn.Send(proto.MustNew(proto.TypeLeaveGroup, proto.GroupPayload{GroupID: groupID})) {
		log.Infof("GROUP: left %s", groupID)
	}
}

// Switch moves a view to groupID, releasing its previous subscription. The
// new group is joined before the old one is left, so switching to the same
// group sends nothing.
func (m *Manager) Switch(previous func(), groupID string) (func(), error) {
	next, err := m.Subscribe(groupID)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		previous()
	}
	return next, nil
}

// Active returns groups with at least one subscribed view, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.refs))
	for g := range m.refs {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Refs returns the number of views subscribed to groupID.
func (m *Manager) Refs(groupID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[groupID]
}

// Reset forgets every subscription without sending anything. Used at logout,
// when the connection itself is going away.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for g := range m.refs {
		m.conn.RemoveGroup(g)
	}
	clear(m.refs)
}
