package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Message struct {
	ID             string        `json:"id" db:"id"`
	ConversationID string        `json:"conversation_id" db:"conversation_id"`
	SenderID       string        `json:"sender_id" db:"sender_id"`
	Content        string        `json:"content" db:"content"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	ReadBy         []string      `json:"read_by" db:"-"`
	Status         MessageStatus `json:"status,omitempty" db:"-"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

func (m Message) ReadByUser(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// AddReader records userID in ReadBy once.
func (m *Message) AddReader(userID string) {
	if !m.ReadByUser(userID) {
		m.ReadBy = append(m.ReadBy, userID)
	}
}

type (
	MessageStatus string

	PresenceStatus string
)

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"

	PresenceOnline PresenceStatus = "online"
	PresenceAway   PresenceStatus = "away"
	PresenceBusy   PresenceStatus = "busy"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy:
		return true
	}
	return false
}

const TempIDPrefix = "temp-"

// NewTempID returns a client-side placeholder id of the form temp-<unix ms>-<random>.
func NewTempID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s%d-%s", TempIDPrefix, now.UnixMilli(), random)
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// PresenceUser is one entry of the online roster.
type PresenceUser struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Username     string          `json:"username,omitempty"`
	Image        string          `json:"image,omitempty"`
	Status       PresenceStatus  `json:"status"`
	LastSeen     time.Time       `json:"last_seen"`
	Data         json.RawMessage `json:"data,omitempty"`
}
