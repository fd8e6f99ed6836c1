// internal/model/owner.go
// Owner and actor key handling. The CLIENT# and INTERNAL_USER# conventions are
// centralized here so no other package needs to know the storage key format.
package model

import (
	"fmt"
	"strings"
)

const clientOwnerPrefix = "CLIENT#"
const internalUserPrefix = "INTERNAL_USER#"

// Owner is the owning context of a template: either a raw user identifier or
// a client membership. It serializes to the record's owner key.
type Owner struct {
	id     string
	client bool
}

// UserOwner returns an Owner for direct user ownership.
func UserOwner(userID string) Owner {
	return Owner{id: userID}
}

// ClientOwner returns an Owner for client-scoped ownership.
func ClientOwner(clientID string) Owner {
	return Owner{id: clientID, client: true}
}

// Key serializes the owner to the storage key value.
func (o Owner) Key() string {
	if o.client {
		return clientOwnerPrefix + o.id
	}
	return o.id
}

// ClientID returns the client identifier and true when the owner is a client.
func (o Owner) ClientID() (string, bool) {
	if o.client {
		return o.id, true
	}
	return "", false
}

// ParseOwnerKey parses a stored owner key back into an Owner.
func ParseOwnerKey(key string) Owner {
	if clientID, ok := strings.CutPrefix(key, clientOwnerPrefix); ok {
		return ClientOwner(clientID)
	}
	return UserOwner(key)
}

// ClientIDFromOwnerKey extracts the client id from a stored owner key,
// requiring the CLIENT# prefix. Used by internal plumbing that must not
// operate on user-owned records.
func ClientIDFromOwnerKey(key string) (string, error) {
	clientID, ok := strings.CutPrefix(key, clientOwnerPrefix)
	if !ok {
		return "", fmt.Errorf("unexpected owner format %s", key)
	}
	return clientID, nil
}

// User is the acting principal for a mutation: the internal user identifier
// plus the client the user belongs to.
type User struct {
	InternalUserID string
	ClientID       string
}

// Key serializes the acting user for the createdBy/updatedBy audit fields.
func (u User) Key() string {
	return internalUserPrefix + u.InternalUserID
}

// Owner returns the owning context derived from the user's client membership.
func (u User) Owner() Owner {
	return ClientOwner(u.ClientID)
}
