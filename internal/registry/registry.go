// Package registry tracks the live control sessions of the broker:
// clients by sequential id, servers by observed remote address.
package registry

import (
	"sync"

	"github.com/postalsys/pinhole/internal/msgchan"
)

// ClientSession is a registered client connection. The id is the
// correlation handle clients put inside punch-request datagrams.
type ClientSession struct {
	ID      uint64
	Channel msgchan.Channel
}

// ServerSession is a registered server connection. Punch instructions
// go out on it and replies come back in dispatch order, tracked by the
// pending waiter queue.
type ServerSession struct {
	Key     string
	Channel msgchan.Channel

	mu      sync.Mutex
	pending []chan []byte
	closed  bool
}

// EnqueueWaiter registers a one-shot waiter for the next unclaimed
// reply from this server. Waiters complete strictly in enqueue order;
// the channel is ordered and the server answers requests in the order
// it received them, so the head waiter always owns the next reply.
// Returns nil if the session is already closed.
func (s *ServerSession) EnqueueWaiter() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	ch := make(chan []byte, 1)
	s.pending = append(s.pending, ch)
	return ch
}

// CompleteNext hands a reply to the oldest waiter. It reports false
// when no waiter is pending, meaning the server sent a message nobody
// asked for.
func (s *ServerSession) CompleteNext(reply []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return false
	}
	head := s.pending[0]
	s.pending = s.pending[1:]
	head <- reply
	close(head)
	return true
}

// CloseWaiters fails every pending waiter and rejects future ones.
// Called when the server session tears down; waiters observe the
// closed channel and give up on this server.
func (s *ServerSession) CloseWaiters() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.pending {
		close(ch)
	}
	s.pending = nil
}

// PendingCount returns the number of outstanding punch dispatches.
func (s *ServerSession) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Registry holds the live sessions. All methods are safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	clients map[uint64]*ClientSession
	servers map[string]*ServerSession
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[uint64]*ClientSession),
		servers: make(map[string]*ServerSession),
	}
}

// AddClient registers a client connection and assigns its id. Ids are
// strictly increasing from zero and never reused, so a datagram
// carrying a stale id can never reach a newer client.
func (r *Registry) AddClient(ch msgchan.Channel) *ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := &ClientSession{
		ID:      r.nextID,
		Channel: ch,
	}
	r.nextID++
	r.clients[sess.ID] = sess
	return sess
}

// RemoveClient drops a client session.
func (r *Registry) RemoveClient(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// Client looks up a client session by id.
func (r *Registry) Client(id uint64) (*ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.clients[id]
	return sess, ok
}

// AddServer registers a server connection keyed by its observed remote
// address. A second registration with the same key replaces the first;
// external addresses are not guaranteed stable across connections, so
// the key is useful for inspection but not identity.
func (r *Registry) AddServer(key string, ch msgchan.Channel) *ServerSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := &ServerSession{
		Key:     key,
		Channel: ch,
	}
	r.servers[key] = sess
	return sess
}

// RemoveServer drops a server session, but only if the key still maps
// to this session. A replaced session's teardown must not evict its
// replacement.
func (r *Registry) RemoveServer(sess *ServerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.servers[sess.Key]; ok && current == sess {
		delete(r.servers, sess.Key)
	}
}

// Servers returns a snapshot of the registered server sessions. The
// caller can iterate it without holding any lock; sessions that die
// mid-iteration simply fail their sends.
func (r *Registry) Servers() []*ServerSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ServerSession, 0, len(r.servers))
	for _, sess := range r.servers {
		out = append(out, sess)
	}
	return out
}

// ClientCount returns the number of registered clients.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// ServerCount returns the number of registered servers.
func (r *Registry) ServerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}
