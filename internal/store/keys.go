package store

import (
	"encoding/base64"
	"fmt"

	ds "github.com/ipfs/go-datastore"

	"ciphergroup/internal/domain"
)

// Key layout:
//
//	/users/<user>/identity
//	/users/<user>/groups/<group>/head
//	/users/<user>/groups/<group>/epochs/<n>
//	/users/<user>/outbox/<group>/<id>
//	/users/<user>/meta/<name>
//
// Ids are base64url encoded so they never contain a separator.

func seg(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func unseg(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	return string(b), err
}

func userKey(user domain.UserID) ds.Key {
	return ds.NewKey("/users").ChildString(seg(string(user)))
}

func identityKey(user domain.UserID) ds.Key {
	return userKey(user).ChildString("identity")
}

func groupsKey(user domain.UserID) ds.Key {
	return userKey(user).ChildString("groups")
}

func groupKey(user domain.UserID, group domain.GroupID) ds.Key {
	return groupsKey(user).ChildString(seg(string(group)))
}

func headKey(user domain.UserID, group domain.GroupID) ds.Key {
	return groupKey(user, group).ChildString("head")
}

func epochKey(user domain.UserID, group domain.GroupID, n uint64) ds.Key {
	return groupKey(user, group).ChildString("epochs").ChildString(fmt.Sprintf("%020d", n))
}

func outboxKey(user domain.UserID, group domain.GroupID) ds.Key {
	return userKey(user).ChildString("outbox").ChildString(seg(string(group)))
}

func outboxEntryKey(user domain.UserID, group domain.GroupID, id string) ds.Key {
	return outboxKey(user, group).ChildString(seg(id))
}

func metaKey(user domain.UserID, name string) ds.Key {
	return userKey(user).ChildString("meta").ChildString(seg(name))
}
