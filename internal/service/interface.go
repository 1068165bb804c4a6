package service

import (
	"context"

	"github.com/ReilBleem13/ShopChat/internal/domain"
)

type MessageRepoIn interface {
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	NewMessage(ctx context.Context, in *domain.Message) error
	MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string) (int64, error)
}

type MessageServiceIn interface {
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	SendMessage(ctx context.Context, in *SendMessageDTO) (*domain.Message, error)
	MarkRead(ctx context.Context, in *MarkReadDTO) error
}

type GatewayIn interface {
	HandleConn(ctx context.Context, client *Client)
}
