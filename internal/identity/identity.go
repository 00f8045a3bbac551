package identity

import "fmt"

type Kind string

const (
	KindRegistered Kind = "registered"
	KindAnonymous  Kind = "anonymous"
)

// Identity is the resolved principal for a request: exactly one of a
// registered user id or an anonymous identifier. Construct only through
// Registered or Anonymous so the two can never mix.
type Identity struct {
	kind   Kind
	userID uint64
	anonID string
}

func Registered(userID uint64) Identity {
	return Identity{kind: KindRegistered, userID: userID}
}

func Anonymous(anonID string) Identity {
	return Identity{kind: KindAnonymous, anonID: anonID}
}

func (id Identity) Kind() Kind        { return id.kind }
func (id Identity) IsAnonymous() bool { return id.kind == KindAnonymous }
func (id Identity) IsZero() bool      { return id.kind == "" }

func (id Identity) UserID() (uint64, bool) {
	if id.kind != KindRegistered {
		return 0, false
	}
	return id.userID, true
}

func (id Identity) AnonymousID() (string, bool) {
	if id.kind != KindAnonymous {
		return "", false
	}
	return id.anonID, true
}

// Key is a stable storage key for ledgers and counters.
func (id Identity) Key() string {
	if id.kind == KindAnonymous {
		return "anon:" + id.anonID
	}
	return fmt.Sprintf("user:%d", id.userID)
}
