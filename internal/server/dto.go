package server

import (
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
)

type SendMessageJSON struct {
	Content string `json:"content" validate:"required"`
}

type MarkReadJSON struct {
	MessageIDs []string `json:"message_ids" validate:"required,min=1,max=500,dive,uuid"`
}

// response
type MessagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

type RealtimeTokenResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}
