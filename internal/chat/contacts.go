package chat

import (
	"fmt"
	"slices"

	"github.com/samber/lo"
)

type identitySet map[Identity]struct{}

func (s identitySet) has(id Identity) bool {
	_, ok := s[id]
	return ok
}

func (s identitySet) sorted() []Identity {
	ids := lo.Keys(s)
	slices.Sort(ids)
	return ids
}

type contactSets struct {
	sent     identitySet
	pending  identitySet
	contacts identitySet
}

// Contacts is the contact-request state machine. sent and pending mirror each
// other: B in sent(A) exactly when A in pending(B). Both sides are always
// updated together. Not safe for concurrent use.
type Contacts struct {
	users map[Identity]*contactSets
}

func NewContacts() *Contacts {
	return &Contacts{users: make(map[Identity]*contactSets)}
}

func (c *Contacts) entry(id Identity) *contactSets {
	sets, ok := c.users[id]
	if !ok {
		sets = &contactSets{
			sent:     make(identitySet),
			pending:  make(identitySet),
			contacts: make(identitySet),
		}
		c.users[id] = sets
	}
	return sets
}

// Touch initializes empty sets for id.
func (c *Contacts) Touch(id Identity) {
	c.entry(id)
}

// SendRequest records a request from -> to. It fails with ErrConflict when the
// two are already contacts or the request is already outstanding.
func (c *Contacts) SendRequest(from, to Identity) error {
	if from == to {
		return fmt.Errorf("%w: cannot send a contact request to yourself", ErrValidation)
	}
	f, t := c.entry(from), c.entry(to)
	if f.contacts.has(to) || f.sent.has(to) {
		return fmt.Errorf("%w: Already sent or contacts", ErrConflict)
	}
	f.sent[to] = struct{}{}
	t.pending[from] = struct{}{}
	return nil
}

// AcceptRequest turns a pending request from -> user into a contact pair. It
// reports false, changing nothing, when no such request is pending.
func (c *Contacts) AcceptRequest(user, from Identity) bool {
	u, f := c.entry(user), c.entry(from)
	if !u.pending.has(from) {
		return false
	}
	// a crossing request user -> from is settled by the same acceptance
	delete(u.pending, from)
	delete(f.sent, user)
	delete(u.sent, from)
	delete(f.pending, user)

	u.contacts[from] = struct{}{}
	f.contacts[user] = struct{}{}
	return true
}

// RejectRequest clears the request from -> user whether or not it exists.
func (c *Contacts) RejectRequest(user, from Identity) {
	u, f := c.entry(user), c.entry(from)
	delete(u.pending, from)
	delete(f.sent, user)
}

func (c *Contacts) AreContacts(a, b Identity) bool {
	sets, ok := c.users[a]
	return ok && sets.contacts.has(b)
}

// State returns sorted copies of id's sets.
func (c *Contacts) State(id Identity) ContactState {
	sets, ok := c.users[id]
	if !ok {
		return ContactState{Sent: []Identity{}, Pending: []Identity{}, Contacts: []Identity{}}
	}
	return ContactState{
		Sent:     sets.sent.sorted(),
		Pending:  sets.pending.sorted(),
		Contacts: sets.contacts.sorted(),
	}
}

func (c *Contacts) Reset() {
	clear(c.users)
}
