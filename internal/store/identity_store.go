package store

import (
	"context"

	"ciphergroup/internal/domain"
)

// LoadUser returns the identity partition of user.
func (s *Store) LoadUser(ctx context.Context, user domain.UserID) (domain.UserRecord, error) {
	var rec domain.UserRecord
	if err := getJSON(ctx, s.ds, identityKey(user), &rec); err != nil {
		return domain.UserRecord{}, err
	}
	return rec, nil
}

// PutUser replaces the identity partition of the record's user.
func (t *tx) PutUser(rec domain.UserRecord) error {
	return putJSON(t.ctx, t.b, identityKey(rec.Identity.Credential.UserID), rec)
}
