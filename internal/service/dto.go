package service

type SendMessageDTO struct {
	ConversationID string
	SenderID       string
	Content        string
}

type MarkReadDTO struct {
	ConversationID string
	ReaderID       string
	MessageIDs     []string
}
