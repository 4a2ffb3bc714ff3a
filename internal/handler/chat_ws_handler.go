package handler

import (
	"context"
	"strings"

	"rag-chat-be/internal/dto"
	"rag-chat-be/internal/pkg/logger"
	"rag-chat-be/internal/service"
	internalWS "rag-chat-be/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// ChatWsHandler owns the websocket endpoint of a chat room plus the
// presence read models served over plain HTTP.
type ChatWsHandler struct {
	orchestrator service.IChatOrchestratorService
	registry     *internalWS.Registry
	logger       logger.ILogger
}

func NewChatWsHandler(orchestrator service.IChatOrchestratorService, registry *internalWS.Registry, log logger.ILogger) *ChatWsHandler {
	return &ChatWsHandler{
		orchestrator: orchestrator,
		registry:     registry,
		logger:       log,
	}
}

func (h *ChatWsHandler) RegisterRoutes(router fiber.Router) {
	ws := router.Group("/ws")
	ws.Get("/rooms/:sessionId/users", h.GetRoomUsers)
	ws.Get("/stats", h.GetStats)
	ws.Get("/chat/:sessionId", h.ServeWs)
}

// ServeWs upgrades the connection and runs the chat session. Admission is
// checked after the upgrade so failures can be reported with a proper
// websocket close code instead of an HTTP error the browser cannot read.
func (h *ChatWsHandler) ServeWs(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	sessionId, err := uuid.Parse(c.Params("sessionId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid session id")
	}

	return websocket.New(func(conn *websocket.Conn) {
		h.runSession(conn, sessionId)
	})(c)
}

func (h *ChatWsHandler) runSession(conn *websocket.Conn, sessionId uuid.UUID) {
	token := extractToken(conn)

	claims, err := h.orchestrator.Admit(context.Background(), sessionId, token)
	if err != nil {
		h.logger.Warn("ChatWsHandler", "Admission rejected", map[string]interface{}{
			"session_id": sessionId,
			"error":      err.Error(),
		})
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
		conn.Close()
		return
	}

	client := internalWS.NewClient(conn, claims.UserID, claims.Username, sessionId)

	h.logger.Info("ChatWsHandler", "Chat session started", map[string]interface{}{
		"session_id": sessionId,
		"user_id":    claims.UserID,
	})

	h.orchestrator.Connect(client)
	go client.WritePump()

	client.ReadLoop(func(raw []byte) {
		h.orchestrator.HandleEnvelope(context.Background(), client, raw)
	})

	h.orchestrator.Disconnect(client)

	h.logger.Info("ChatWsHandler", "Chat session ended", map[string]interface{}{
		"session_id": sessionId,
		"user_id":    claims.UserID,
	})
}

// GetRoomUsers lists the participants currently connected to a room.
func (h *ChatWsHandler) GetRoomUsers(c *fiber.Ctx) error {
	sessionId, err := uuid.Parse(c.Params("sessionId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid session id")
	}

	users := h.registry.Members(sessionId)
	return c.JSON(dto.RoomUsersResponse{
		SessionId: sessionId,
		Users:     users,
		Count:     len(users),
	})
}

// GetStats reports room and connection counts across the registry.
func (h *ChatWsHandler) GetStats(c *fiber.Ctx) error {
	return c.JSON(h.registry.Stats())
}

// extractToken reads the bearer token from the query string first, which is
// what browsers can send on a websocket handshake, then falls back to the
// Authorization header for non-browser clients.
func extractToken(conn *websocket.Conn) string {
	if token := conn.Query("token"); token != "" {
		return token
	}
	auth := conn.Headers("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
