package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/google/uuid"
)

const (
	maxContentLength = 4000
	maxReadBatch     = 500
)

type MessageService struct {
	msgRepo MessageRepoIn
}

func NewMessageService(msgRepo MessageRepoIn) MessageServiceIn {
	return &MessageService{
		msgRepo: msgRepo,
	}
}

func (ms *MessageService) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, domain.ErrInvalidRequest.WithMessage("Conversation id is required")
	}

	messages, err := ms.msgRepo.ListMessages(ctx, conversationID)
	if err != nil {
		slog.Error("Failed to list messages", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	return messages, nil
}

func (ms *MessageService) SendMessage(ctx context.Context, in *SendMessageDTO) (*domain.Message, error) {
	content := strings.TrimSpace(in.Content)
	switch {
	case strings.TrimSpace(in.ConversationID) == "":
		return nil, domain.ErrInvalidRequest.WithMessage("Conversation id is required")
	case content == "":
		return nil, domain.ErrInvalidRequest.WithMessage("Message content is empty")
	case utf8.RuneCountInString(content) > maxContentLength:
		return nil, domain.ErrInvalidRequest.WithMessage(fmt.Sprintf("Message content exceeds %d characters", maxContentLength))
	}

	msg := &domain.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
		ReadBy:         []string{},
	}
	if err := ms.msgRepo.NewMessage(ctx, msg); err != nil {
		slog.Error("Failed to save message",
			"conversation_id", in.ConversationID,
			"sender_id", in.SenderID,
			"error", err,
		)
		return nil, err
	}

	slog.Debug("Message saved", "message_id", msg.ID, "conversation_id", msg.ConversationID)
	return msg, nil
}

func (ms *MessageService) MarkRead(ctx context.Context, in *MarkReadDTO) error {
	if strings.TrimSpace(in.ConversationID) == "" {
		return domain.ErrInvalidRequest.WithMessage("Conversation id is required")
	}
	if len(in.MessageIDs) == 0 {
		return domain.ErrInvalidRequest.WithMessage("Message ids are required")
	}
	if len(in.MessageIDs) > maxReadBatch {
		return domain.ErrInvalidRequest.WithMessage(fmt.Sprintf("At most %d message ids per request", maxReadBatch))
	}

	seen := make(map[string]struct{}, len(in.MessageIDs))
	ids := make([]string, 0, len(in.MessageIDs))
	for _, id := range in.MessageIDs {
		if _, err := uuid.Parse(id); err != nil {
			return domain.ErrInvalidRequest.WithMessage(fmt.Sprintf("Invalid message id %q", id))
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	n, err := ms.msgRepo.MarkRead(ctx, in.ConversationID, in.ReaderID, ids)
	if err != nil {
		slog.Error("Failed to mark messages read",
			"conversation_id", in.ConversationID,
			"reader_id", in.ReaderID,
			"error", err,
		)
		return err
	}

	slog.Debug("Messages marked read", "conversation_id", in.ConversationID, "reader_id", in.ReaderID, "count", n)
	return nil
}
