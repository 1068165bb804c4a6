package chat

import (
	"slices"

	"github.com/ReilBleem13/ShopChat/internal/domain"
)

// Reconcile merges a message pushed over the realtime channel into list and
// returns the new list; list itself is not modified. The first rule that
// applies wins:
//
//  1. an entry with the same id is replaced in place;
//  2. for the current user's own message, the first pending temp entry with
//     the same sender and content is replaced in place;
//  3. otherwise the message is appended.
//
// The merged entry always has status delivered.
func Reconcile(list []domain.Message, incoming domain.Message, userID string) []domain.Message {
	in := incoming.Clone()
	in.Status = domain.StatusDelivered

	out := slices.Clone(list)
	if i := indexOf(out, in.ID); i >= 0 {
		out[i] = in
		return out
	}

	if in.SenderID == userID {
		i := slices.IndexFunc(out, func(m domain.Message) bool {
			return domain.IsTempID(m.ID) &&
				m.Status == domain.StatusSending &&
				m.SenderID == in.SenderID &&
				m.Content == in.Content
		})
		if i >= 0 {
			out[i] = in
			return out
		}
	}

	return append(out, in)
}

// Confirm applies the server's answer to a send of the entry tempID. If the
// realtime echo got there first the confirmed entry keeps its later status
// and any temp entry left over is dropped, so the message is listed once.
func Confirm(list []domain.Message, tempID string, confirmed domain.Message) []domain.Message {
	c := confirmed.Clone()
	c.Status = domain.StatusSent

	out := slices.Clone(list)
	ti, si := indexOf(out, tempID), indexOf(out, c.ID)

	switch {
	case si >= 0:
		out[si] = upgrade(out[si], c)
		if ti >= 0 {
			out = slices.Delete(out, ti, ti+1)
		}
	case ti >= 0:
		out[ti] = c
	default:
		out = append(out, c)
	}
	return out
}

// upgrade returns c with the readers and the more advanced status of existing.
func upgrade(existing, c domain.Message) domain.Message {
	if rank(existing.Status) > rank(c.Status) {
		c.Status = existing.Status
	}
	for _, r := range existing.ReadBy {
		c.AddReader(r)
	}
	return c
}

func rank(s domain.MessageStatus) int {
	switch s {
	case domain.StatusSent:
		return 1
	case domain.StatusDelivered:
		return 2
	case domain.StatusRead:
		return 3
	}
	return 0
}

// deriveStatus computes the status of a fetched message as seen by userID.
func deriveStatus(m domain.Message, userID string) domain.MessageStatus {
	if m.SenderID == userID {
		if len(m.ReadBy) > 0 {
			return domain.StatusRead
		}
		return domain.StatusDelivered
	}
	if m.ReadByUser(userID) {
		return domain.StatusRead
	}
	return domain.StatusSent
}

// mergeHistory replaces the list with fetched history. Local temp entries,
// still sending or failed, are kept after it in their current order, as are
// confirmed entries in late that the fetched snapshot does not contain yet.
func mergeHistory(fetched, local []domain.Message, userID string, late map[string]struct{}) []domain.Message {
	out := make([]domain.Message, 0, len(fetched))
	have := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		m = m.Clone()
		if m.ReadBy == nil {
			m.ReadBy = []string{}
		}
		m.Status = deriveStatus(m, userID)
		out = append(out, m)
		have[m.ID] = struct{}{}
	}
	for _, m := range local {
		if domain.IsTempID(m.ID) {
			out = append(out, m)
			continue
		}
		if _, ok := late[m.ID]; !ok {
			continue
		}
		if _, ok := have[m.ID]; !ok {
			out = append(out, m)
		}
	}
	return out
}

func indexOf(list []domain.Message, id string) int {
	return slices.IndexFunc(list, func(m domain.Message) bool { return m.ID == id })
}
