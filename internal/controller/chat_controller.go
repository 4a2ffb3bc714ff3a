package controller

import (
	"rag-chat-be/internal/dto"
	"rag-chat-be/internal/pkg/serverutils"
	"rag-chat-be/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type IChatController interface {
	RegisterRoutes(r fiber.Router)
	CreateSession(ctx *fiber.Ctx) error
	GetAllSessions(ctx *fiber.Ctx) error
	GetChatHistory(ctx *fiber.Ctx) error
	DeleteSession(ctx *fiber.Ctx) error
}

type chatController struct {
	chatService service.IChatService
}

func NewChatController(chatService service.IChatService) IChatController {
	return &chatController{
		chatService: chatService,
	}
}

func (c *chatController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/chat")
	h.Use(serverutils.JwtMiddleware)
	h.Post("sessions", c.CreateSession)
	h.Get("sessions", c.GetAllSessions)
	h.Get("sessions/:sessionId/history", c.GetChatHistory)
	h.Delete("sessions/:sessionId", c.DeleteSession)
}

func (c *chatController) CreateSession(ctx *fiber.Ctx) error {
	userIdStr := ctx.Locals("user_id").(string)
	userId, _ := uuid.Parse(userIdStr)

	var req dto.CreateSessionRequest
	if err := ctx.BodyParser(&req); err != nil && len(ctx.Body()) > 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.chatService.CreateSession(ctx.Context(), userId, &req)
	if err != nil {
		return err
	}

	return serverutils.SuccessResponse(ctx, fiber.StatusCreated, "Success create session", res)
}

func (c *chatController) GetAllSessions(ctx *fiber.Ctx) error {
	userIdStr := ctx.Locals("user_id").(string)
	userId, _ := uuid.Parse(userIdStr)

	res, err := c.chatService.GetAllSessions(ctx.Context(), userId)
	if err != nil {
		return err
	}

	return serverutils.SuccessResponse(ctx, fiber.StatusOK, "Success get sessions", res)
}

func (c *chatController) GetChatHistory(ctx *fiber.Ctx) error {
	userIdStr := ctx.Locals("user_id").(string)
	userId, _ := uuid.Parse(userIdStr)

	sessionId, err := uuid.Parse(ctx.Params("sessionId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid session id")
	}

	res, err := c.chatService.GetChatHistory(ctx.Context(), userId, sessionId)
	if err != nil {
		return err
	}

	return serverutils.SuccessResponse(ctx, fiber.StatusOK, "Success get chat history", res)
}

func (c *chatController) DeleteSession(ctx *fiber.Ctx) error {
	userIdStr := ctx.Locals("user_id").(string)
	userId, _ := uuid.Parse(userIdStr)

	sessionId, err := uuid.Parse(ctx.Params("sessionId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid session id")
	}

	if err := c.chatService.DeleteSession(ctx.Context(), userId, sessionId); err != nil {
		return err
	}

	return serverutils.SuccessResponse(ctx, fiber.StatusOK, "Success delete session", nil)
}
