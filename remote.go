package linkmesh

import (
	"net/netip"
	"sync"

	"github.com/google/uuid"
)

// RemoteAll is the sentinel broadcast target. It is valid only as the
// Target of an outbound Message passed to NetworkEndpoint.SendMessage;
// it is never stored in a RemoteRegistry.
var RemoteAll = uuid.Nil

// Remote is the identity of a peer endpoint, independent of any given
// Connection instance. A Remote is immutable once constructed.
type Remote struct {
	ID uuid.UUID

	StreamEndpoint   netip.AddrPort
	DatagramEndpoint netip.AddrPort
}

// RemoteRegistry is a NetworkEndpoint's table mapping a remote id to
// its Remote. Creation is idempotent: a second Get-or-create call for
// an id already present returns the existing instance. Each endpoint
// has its own registry; two endpoints in one process may hold
// separate Remote instances for the same id.
//
// Adapted from the teacher's address+port host identity struct
// (host_ref.go's HostRef) combined with its id-keyed concurrent table
// idiom (directory.go / actor_registry.go), generalized from actor
// hosts to capture-device remotes.
type RemoteRegistry struct {
	mu      sync.RWMutex
	remotes map[uuid.UUID]*Remote
}

// NewRemoteRegistry creates an empty registry. newNetworkEndpoint
// creates one per endpoint at construction; NetworkEndpoint.Stop
// empties it with Clear.
func NewRemoteRegistry() *RemoteRegistry {
	return &RemoteRegistry{remotes: make(map[uuid.UUID]*Remote)}
}

// GetOrCreate returns the Remote for id, creating it from stream/dgram
// if this is the first request for that id. If a Remote for id already
// exists, the existing instance is returned regardless of whether
// stream/dgram match — per spec §3 this is the common case (repeated
// handshakes from the same peer should not mint a second instance).
func (r *RemoteRegistry) GetOrCreate(id uuid.UUID, stream, dgram netip.AddrPort) *Remote {
	r.mu.RLock()
	if rem, ok := r.remotes[id]; ok {
		r.mu.RUnlock()
		return rem
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if rem, ok := r.remotes[id]; ok {
		return rem
	}
	rem := &Remote{ID: id, StreamEndpoint: stream, DatagramEndpoint: dgram}
	r.remotes[id] = rem
	return rem
}

// Get returns the Remote for id, or nil if unknown.
func (r *RemoteRegistry) Get(id uuid.UUID) *Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remotes[id]
}

// Remove deletes id from the registry. A no-op if id is unknown.
func (r *RemoteRegistry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.remotes, id)
}

// Len returns the number of known remotes.
func (r *RemoteRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.remotes)
}

// Snapshot returns a copy of all known remotes, safe to range over
// without holding the registry lock.
func (r *RemoteRegistry) Snapshot() []*Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Remote, 0, len(r.remotes))
	for _, rem := range r.remotes {
		out = append(out, rem)
	}
	return out
}

// Clear empties the registry. Used by NetworkEndpoint.Stop.
func (r *RemoteRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes = make(map[uuid.UUID]*Remote)
}
