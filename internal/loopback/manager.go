package loopback

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/internal/observe"
)

// PeerState is the lifecycle stage of one connected peer.
type PeerState string

const (
	PeerConnected PeerState = "connected"
	PeerReceiving PeerState = "receiving"
	PeerReplaying PeerState = "replaying"
	PeerClosed    PeerState = "closed"
)

// PeerInfo is a point-in-time view of one peer.
type PeerInfo struct {
	ID             string    `json:"id"`
	Transport      string    `json:"transport"`
	State          PeerState `json:"state"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivity   time.Time `json:"last_activity"`
	FramesReceived uint64    `json:"frames_received"`
	FramesReplayed uint64    `json:"frames_replayed"`
	FramesDropped  uint64    `json:"frames_dropped"`
	Utterances     uint64    `json:"utterances"`
}

// Status summarises every connected peer.
type Status struct {
	TotalPeers  int               `json:"total_peers"`
	ByState     map[PeerState]int `json:"peers_by_state"`
	Peers       []PeerInfo        `json:"peers"`
	ServedPeers uint64            `json:"served_peers"`
}

// peer is the manager's record of one connection. Fields other than the
// counters are guarded by mu.
type peer struct {
	seq       uint64
	id        string
	transport string
	cancel    context.CancelFunc

	mu           sync.Mutex
	state        PeerState
	connectedAt  time.Time
	lastActivity time.Time

	received   atomic.Uint64
	replayed   atomic.Uint64
	dropped    atomic.Uint64
	utterances atomic.Uint64
}

func (p *peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

func (p *peer) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

func (p *peer) info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerInfo{
		ID:             p.id,
		Transport:      p.transport,
		State:          p.state,
		ConnectedAt:    p.connectedAt,
		LastActivity:   p.lastActivity,
		FramesReceived: p.received.Load(),
		FramesReplayed: p.replayed.Load(),
		FramesDropped:  p.dropped.Load(),
		Utterances:     p.utterances.Load(),
	}
}

// Manager tracks connected peers. It is safe for concurrent use.
type Manager struct {
	metrics *observe.Metrics

	mu     sync.Mutex
	peers  map[string]*peer
	seq    atomic.Uint64
	served atomic.Uint64
}

// NewManager returns an empty Manager reporting to m.
func NewManager(m *observe.Metrics) *Manager {
	return &Manager{metrics: m, peers: make(map[string]*peer)}
}

// add registers a new peer. cancel is called by [Manager.CloseAll].
func (m *Manager) add(kind string, cancel context.CancelFunc) *peer {
	now := time.Now()
	seq := m.seq.Add(1)
	p := &peer{
		seq:          seq,
		id:           fmt.Sprintf("peer-%d", seq),
		transport:    kind,
		cancel:       cancel,
		state:        PeerConnected,
		connectedAt:  now,
		lastActivity: now,
	}
	m.mu.Lock()
	m.peers[p.id] = p
	m.mu.Unlock()
	m.served.Add(1)
	m.metrics.ActivePeers.Add(context.Background(), 1, observeTransport(kind))
	return p
}

func (m *Manager) remove(p *peer) {
	m.mu.Lock()
	_, ok := m.peers[p.id]
	delete(m.peers, p.id)
	m.mu.Unlock()
	if ok {
		p.setState(PeerClosed)
		m.metrics.ActivePeers.Add(context.Background(), -1, observeTransport(p.transport))
	}
}

// Len returns the number of connected peers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Peer returns the view of the peer with the given ID.
func (m *Manager) Peer(id string) (PeerInfo, bool) {
	m.mu.Lock()
	p, ok := m.peers[id]
	m.mu.Unlock()
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// Status returns a snapshot of all connected peers ordered by ID.
func (m *Manager) Status() Status {
	m.mu.Lock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	slices.SortFunc(peers, func(a, b *peer) int { return cmp.Compare(a.seq, b.seq) })

	st := Status{
		TotalPeers:  len(peers),
		ByState:     make(map[PeerState]int),
		Peers:       make([]PeerInfo, 0, len(peers)),
		ServedPeers: m.served.Load(),
	}
	for _, p := range peers {
		info := p.info()
		st.ByState[info.State]++
		st.Peers = append(st.Peers, info)
	}
	return st
}

// CloseAll cancels every connected peer. Their handlers remove them.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		p.cancel()
	}
}
