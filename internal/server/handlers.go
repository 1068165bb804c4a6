package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/service"
	"github.com/ReilBleem13/ShopChat/internal/utils"
	"github.com/gorilla/websocket"
)

type Handler struct {
	msgSrv      service.MessageServiceIn
	gateway     service.GatewayIn
	hub         *service.Hub
	val         *Validator
	secret      string
	realtimeTTL time.Duration
	upgrader    *websocket.Upgrader
}

func NewHandler(msgSrv service.MessageServiceIn, gateway service.GatewayIn, hub *service.Hub, secret string, realtimeTTL time.Duration) *Handler {
	return &Handler{
		msgSrv:      msgSrv,
		gateway:     gateway,
		hub:         hub,
		val:         NewValidator(),
		secret:      secret,
		realtimeTTL: realtimeTTL,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferPool: &sync.Pool{},
		},
	}
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		slog.Warn("Failed to upgrade websocket", "user_id", userID, "error", err)
		return
	}

	client := service.NewClient(userID, conn, h.hub)

	h.gateway.HandleConn(r.Context(), client)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.msgSrv.ListMessages(r.Context(), r.PathValue("conversation_id"))
	if err != nil {
		handleError(w, err)
		return
	}

	if messages == nil {
		messages = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, &MessagesResponse{Messages: messages})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}

	var in SendMessageJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		handleError(w, domain.ErrInvalidRequest)
		return
	}
	if errs := h.val.ValidateStruct(&in); len(errs) > 0 {
		writeValidationError(w, errs)
		return
	}

	msg, err := h.msgSrv.SendMessage(r.Context(), &service.SendMessageDTO{
		ConversationID: r.PathValue("conversation_id"),
		SenderID:       userID,
		Content:        in.Content,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}

	var in MarkReadJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		handleError(w, domain.ErrInvalidRequest)
		return
	}
	if errs := h.val.ValidateStruct(&in); len(errs) > 0 {
		writeValidationError(w, errs)
		return
	}

	if err := h.msgSrv.MarkRead(r.Context(), &service.MarkReadDTO{
		ConversationID: r.PathValue("conversation_id"),
		ReaderID:       userID,
		MessageIDs:     in.MessageIDs,
	}); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRealtimeToken(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}

	token, expiresAt, err := utils.GenerateToken(userID, utils.ScopeRealtime, h.secret, h.realtimeTTL)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &RealtimeTokenResponse{
		Token:     token,
		ClientID:  userID,
		ExpiresAt: expiresAt,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &HealthResponse{
		Status:      "ok",
		Connections: h.hub.Count(),
	})
}
