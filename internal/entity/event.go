// Structure of server originated events handed to the fan-out engine.

package entity

// Audience selects the recipients of an event.
// The zero value addresses every live connection.
type Audience struct {
	ConnIDs   []string
	Usernames []string
}

// All reports whether the audience addresses every live connection.
func (a Audience) All() bool {
	return a.ConnIDs == nil && a.Usernames == nil
}

// ToAll addresses every live connection.
func ToAll() Audience {
	return Audience{}
}

// ToConnections addresses an explicit set of connections.
func ToConnections(ids ...string) Audience {
	if ids == nil {
		ids = []string{}
	}
	return Audience{ConnIDs: ids}
}

// ToUsernames addresses every connection authenticated as one of the users.
func ToUsernames(names ...string) Audience {
	if names == nil {
		names = []string{}
	}
	return Audience{Usernames: names}
}

// Event is the internal envelope between publishers and the fan-out engine.
type Event struct {
	Cmd      string
	Val      interface{}
	Extra    map[string]interface{}
	Audience Audience
}

// PresenceChange is emitted by the registry when a username appears or disappears.
type PresenceChange struct {
	Username string
	Online   bool
	// Serialized presence list after the change
	Ulist string
	// Distinct usernames after the change
	Users int
}
