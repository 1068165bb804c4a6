package chat

import (
	"testing"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func msg(id, sender, content string, status domain.MessageStatus) domain.Message {
	return domain.Message{ID: id, ConversationID: "c1", SenderID: sender, Content: content, CreatedAt: t0, ReadBy: []string{}, Status: status}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name     string
		list     []domain.Message
		incoming domain.Message
		want     []domain.Message
	}{
		{
			name:     "SameIDReplacedInPlace",
			list:     []domain.Message{msg("m1", "a", "hi", domain.StatusSent), msg("m2", "b", "yo", domain.StatusSent)},
			incoming: msg("m1", "a", "hi edited", ""),
			want:     []domain.Message{msg("m1", "a", "hi edited", domain.StatusDelivered), msg("m2", "b", "yo", domain.StatusSent)},
		},
		{
			name:     "OwnPendingTempReplaced",
			list:     []domain.Message{msg("m0", "b", "hey", domain.StatusSent), msg("temp-1-aaa", "me", "hi", domain.StatusSending)},
			incoming: msg("m1", "me", "hi", ""),
			want:     []domain.Message{msg("m0", "b", "hey", domain.StatusSent), msg("m1", "me", "hi", domain.StatusDelivered)},
		},
		{
			name: "FirstMatchingTempWins",
			list: []domain.Message{
				msg("temp-1-aaa", "me", "hi", domain.StatusSending),
				msg("temp-2-bbb", "me", "hi", domain.StatusSending),
			},
			incoming: msg("m1", "me", "hi", ""),
			want: []domain.Message{
				msg("m1", "me", "hi", domain.StatusDelivered),
				msg("temp-2-bbb", "me", "hi", domain.StatusSending),
			},
		},
		{
			name:     "FailedTempNotMatched",
			list:     []domain.Message{msg("temp-1-aaa", "me", "hi", domain.StatusFailed)},
			incoming: msg("m1", "me", "hi", ""),
			want:     []domain.Message{msg("temp-1-aaa", "me", "hi", domain.StatusFailed), msg("m1", "me", "hi", domain.StatusDelivered)},
		},
		{
			name:     "DifferentContentAppended",
			list:     []domain.Message{msg("temp-1-aaa", "me", "hi", domain.StatusSending)},
			incoming: msg("m1", "me", "bye", ""),
			want:     []domain.Message{msg("temp-1-aaa", "me", "hi", domain.StatusSending), msg("m1", "me", "bye", domain.StatusDelivered)},
		},
		{
			name:     "OtherSenderNeverMatchesTemp",
			list:     []domain.Message{msg("temp-1-aaa", "me", "hi", domain.StatusSending)},
			incoming: msg("m1", "b", "hi", ""),
			want:     []domain.Message{msg("temp-1-aaa", "me", "hi", domain.StatusSending), msg("m1", "b", "hi", domain.StatusDelivered)},
		},
		{
			name:     "EmptyList",
			incoming: msg("m1", "b", "hi", domain.StatusRead),
			want:     []domain.Message{msg("m1", "b", "hi", domain.StatusDelivered)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := cloneAll(tt.list)

			got := Reconcile(tt.list, tt.incoming, "me")

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Reconcile() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(before, tt.list); diff != "" {
				t.Errorf("Reconcile() modified its input (-before +after):\n%s", diff)
			}
		})
	}
}

func TestConfirm(t *testing.T) {
	confirmed := msg("m1", "me", "hi", "")

	tests := []struct {
		name string
		list []domain.Message
		want []domain.Message
	}{
		{
			name: "TempReplaced",
			list: []domain.Message{msg("m0", "b", "hey", domain.StatusSent), msg("temp-1-aaa", "me", "hi", domain.StatusSending)},
			want: []domain.Message{msg("m0", "b", "hey", domain.StatusSent), msg("m1", "me", "hi", domain.StatusSent)},
		},
		{
			name: "EchoAlreadyReplacedTemp",
			list: []domain.Message{msg("m1", "me", "hi", domain.StatusDelivered)},
			want: []domain.Message{msg("m1", "me", "hi", domain.StatusDelivered)},
		},
		{
			name: "EchoAppendedNextToTemp",
			list: []domain.Message{
				msg("temp-1-aaa", "me", "hi", domain.StatusSending),
				msg("m1", "me", "hi", domain.StatusDelivered),
			},
			want: []domain.Message{msg("m1", "me", "hi", domain.StatusDelivered)},
		},
		{
			name: "KeepsReaders",
			list: []domain.Message{{ID: "m1", ConversationID: "c1", SenderID: "me", Content: "hi", CreatedAt: t0, ReadBy: []string{"b"}, Status: domain.StatusRead}},
			want: []domain.Message{{ID: "m1", ConversationID: "c1", SenderID: "me", Content: "hi", CreatedAt: t0, ReadBy: []string{"b"}, Status: domain.StatusRead}},
		},
		{
			name: "NothingToReplace",
			list: []domain.Message{msg("m0", "b", "hey", domain.StatusSent)},
			want: []domain.Message{msg("m0", "b", "hey", domain.StatusSent), msg("m1", "me", "hi", domain.StatusSent)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Confirm(tt.list, "temp-1-aaa", confirmed)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Confirm() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// Whichever of the HTTP confirmation and the realtime echo lands first, the
// message ends up listed once.
func TestConfirmAndReconcile_ArrivalOrder(t *testing.T) {
	temp := msg("temp-1-aaa", "me", "hi", domain.StatusSending)
	server := msg("m1", "me", "hi", "")

	confirmFirst := Reconcile(Confirm([]domain.Message{temp}, temp.ID, server), server, "me")
	echoFirst := Confirm(Reconcile([]domain.Message{temp}, server, "me"), temp.ID, server)

	for name, got := range map[string][]domain.Message{"ConfirmFirst": confirmFirst, "EchoFirst": echoFirst} {
		if len(got) != 1 || got[0].ID != "m1" {
			t.Errorf("%s: got %+v, want exactly m1", name, got)
			continue
		}
		if got[0].Status != domain.StatusDelivered {
			t.Errorf("%s: got status %q, want delivered", name, got[0].Status)
		}
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name   string
		sender string
		readBy []string
		want   domain.MessageStatus
	}{
		{"OwnUnread", "me", nil, domain.StatusDelivered},
		{"OwnRead", "me", []string{"b"}, domain.StatusRead},
		{"OtherUnread", "b", []string{"c"}, domain.StatusSent},
		{"OtherReadByMe", "b", []string{"me"}, domain.StatusRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := domain.Message{ID: "m1", SenderID: tt.sender, ReadBy: tt.readBy}
			if got := deriveStatus(m, "me"); got != tt.want {
				t.Errorf("deriveStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMergeHistory(t *testing.T) {
	fetched := []domain.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "b", Content: "hey", CreatedAt: t0},
		{ID: "m2", ConversationID: "c1", SenderID: "me", Content: "hi", CreatedAt: t0, ReadBy: []string{"b"}},
	}
	local := []domain.Message{
		msg("m1", "b", "stale", domain.StatusDelivered),
		msg("temp-1-aaa", "me", "pending", domain.StatusSending),
		msg("temp-2-bbb", "me", "broken", domain.StatusFailed),
	}

	got := mergeHistory(fetched, local, "me", nil)

	want := []domain.Message{
		msg("m1", "b", "hey", domain.StatusSent),
		{ID: "m2", ConversationID: "c1", SenderID: "me", Content: "hi", CreatedAt: t0, ReadBy: []string{"b"}, Status: domain.StatusRead},
		msg("temp-1-aaa", "me", "pending", domain.StatusSending),
		msg("temp-2-bbb", "me", "broken", domain.StatusFailed),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mergeHistory() mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeHistory_KeepsLateArrivals(t *testing.T) {
	fetched := []domain.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "b", Content: "hey", CreatedAt: t0},
	}
	local := []domain.Message{
		msg("m1", "b", "hey", domain.StatusDelivered),
		msg("m0", "b", "deleted upstream", domain.StatusDelivered),
		msg("m9", "b", "late", domain.StatusDelivered),
		msg("temp-1-aaa", "me", "pending", domain.StatusSending),
	}
	late := map[string]struct{}{"m1": {}, "m9": {}}

	got := mergeHistory(fetched, local, "me", late)

	want := []domain.Message{
		msg("m1", "b", "hey", domain.StatusSent),
		msg("m9", "b", "late", domain.StatusDelivered),
		msg("temp-1-aaa", "me", "pending", domain.StatusSending),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mergeHistory() mismatch (-want +got):\n%s", diff)
	}
}

func cloneAll(list []domain.Message) []domain.Message {
	if list == nil {
		return nil
	}
	out := make([]domain.Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}
