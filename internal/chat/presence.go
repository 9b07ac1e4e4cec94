package chat

// Presence tracks which identities currently have a reachable connection.
// It is not safe for concurrent use; the Hub's dispatch goroutine owns it.
type Presence struct {
	byIdentity map[Identity]ConnID
	byConn     map[ConnID]Identity
}

func NewPresence() *Presence {
	return &Presence{
		byIdentity: make(map[Identity]ConnID),
		byConn:     make(map[ConnID]Identity),
	}
}

// Register binds identity to conn, replacing any earlier handle for that
// identity (last registration wins). If conn was bound to a different identity
// that binding is dropped and that identity is returned as displaced.
func (p *Presence) Register(identity Identity, conn ConnID) (displaced Identity, ok bool) {
	if prev, found := p.byConn[conn]; found && prev != identity {
		if p.byIdentity[prev] == conn {
			delete(p.byIdentity, prev)
			displaced, ok = prev, true
		}
	}
	if old, found := p.byIdentity[identity]; found && old != conn {
		delete(p.byConn, old)
	}
	p.byIdentity[identity] = conn
	p.byConn[conn] = identity
	return displaced, ok
}

func (p *Presence) Lookup(identity Identity) (ConnID, bool) {
	conn, ok := p.byIdentity[identity]
	return conn, ok
}

// IdentityOf returns the identity conn is currently registered as.
func (p *Presence) IdentityOf(conn ConnID) (Identity, bool) {
	identity, ok := p.byConn[conn]
	return identity, ok
}

// RemoveByConnection drops the identity bound to conn, if any.
func (p *Presence) RemoveByConnection(conn ConnID) (Identity, bool) {
	identity, ok := p.byConn[conn]
	if !ok {
		return "", false
	}
	delete(p.byConn, conn)
	if p.byIdentity[identity] != conn {
		return "", false
	}
	delete(p.byIdentity, identity)
	return identity, true
}

func (p *Presence) Len() int {
	return len(p.byIdentity)
}

func (p *Presence) Reset() {
	clear(p.byIdentity)
	clear(p.byConn)
}
