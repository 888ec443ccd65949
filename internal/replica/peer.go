package replica

// Peer is the per-connection bookkeeping used while writing snapshots and
// reliable deltas for one destination. It is owned by that connection's
// replicator; objects only read and update it during the write calls.
type Peer struct {
	ID PeerID

	known      map[ObjectID]struct{}
	sentParent map[ObjectID]ObjectID
}

// NewPeer constructs empty bookkeeping for a connection.
func NewPeer(id PeerID) *Peer {
	return &Peer{
		ID:         id,
		known:      make(map[ObjectID]struct{}),
		sentParent: make(map[ObjectID]ObjectID),
	}
}

// Knows reports whether id has been snapshot-initialized on this peer.
func (p *Peer) Knows(id ObjectID) bool {
	if p == nil {
		return false
	}
	_, ok := p.known[id]
	return ok
}

// MarkKnown records that a snapshot for id was sent to this peer.
func (p *Peer) MarkKnown(id ObjectID) {
	p.known[id] = struct{}{}
}

// Forget drops all state about id, e.g. after it was removed on the peer.
func (p *Peer) Forget(id ObjectID) {
	delete(p.known, id)
	delete(p.sentParent, id)
}

// KnownCount reports how many objects the peer tracks.
func (p *Peer) KnownCount() int {
	return len(p.known)
}

// Known returns the tracked ids in no particular order.
func (p *Peer) Known() []ObjectID {
	ids := make([]ObjectID, 0, len(p.known))
	for id := range p.known {
		ids = append(ids, id)
	}
	return ids
}

// LastSentParent returns the parent id most recently sent for id.
func (p *Peer) LastSentParent(id ObjectID) (ObjectID, bool) {
	parent, ok := p.sentParent[id]
	return parent, ok
}

// StoreSentParent records the parent id sent for id.
func (p *Peer) StoreSentParent(id, parent ObjectID) {
	p.sentParent[id] = parent
}

// Reset forgets everything; the next frame re-snapshots every relevant object.
func (p *Peer) Reset() {
	p.known = make(map[ObjectID]struct{})
	p.sentParent = make(map[ObjectID]ObjectID)
}

// visibleParent is the parent as this peer can resolve it: a parent the peer
// does not know yet is sent as InvalidObjectID and corrected by a later delta.
func (p *Peer) visibleParent(parent ObjectID) ObjectID {
	if parent == InvalidObjectID || !p.Knows(parent) {
		return InvalidObjectID
	}
	return parent
}
