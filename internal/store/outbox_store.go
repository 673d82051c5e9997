package store

import (
	"context"
	"encoding/json"
	"sort"

	"ciphergroup/internal/domain"
)

// ListOutbox returns the staged commits of a group, oldest first.
func (s *Store) ListOutbox(ctx context.Context, user domain.UserID, group domain.GroupID) ([]domain.OutboxEntry, error) {
	entries, err := list(ctx, s.ds, outboxKey(user, group))
	if err != nil {
		return nil, err
	}
	out := make([]domain.OutboxEntry, 0, len(entries))
	for _, e := range entries {
		var entry domain.OutboxEntry
		if err := json.Unmarshal(e.Value, &entry); err != nil {
			return nil, wrap(err)
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedUTC < out[j].CreatedUTC })
	return out, nil
}

func (t *tx) PutOutbox(user domain.UserID, entry domain.OutboxEntry) error {
	return putJSON(t.ctx, t.b, outboxEntryKey(user, entry.GroupID, entry.ID), entry)
}

func (t *tx) DeleteOutbox(user domain.UserID, group domain.GroupID, id string) error {
	return wrap(t.b.Delete(t.ctx, outboxEntryKey(user, group, id)))
}
