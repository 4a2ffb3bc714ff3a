package controller

import (
	"rag-chat-be/internal/pkg/serverutils"
	"rag-chat-be/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type IDocumentController interface {
	RegisterRoutes(r fiber.Router)
	GetAllDocuments(ctx *fiber.Ctx) error
	DeleteDocument(ctx *fiber.Ctx) error
}

type documentController struct {
	documentService service.IDocumentService
}

func NewDocumentController(documentService service.IDocumentService) IDocumentController {
	return &documentController{
		documentService: documentService,
	}
}

func (c *documentController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/documents")
	h.Use(serverutils.JwtMiddleware)
	h.Get("", c.GetAllDocuments)
	h.Delete(":documentId", c.DeleteDocument)
}

func (c *documentController) GetAllDocuments(ctx *fiber.Ctx) error {
	userIdStr := ctx.Locals("user_id").(string)
	userId, _ := uuid.Parse(userIdStr)

	res, err := c.documentService.GetAllDocuments(ctx.Context(), userId)
	if err != nil {
		return err
	}

	return serverutils.SuccessResponse(ctx, fiber.StatusOK, "Success get documents", res)
}

func (c *documentController) DeleteDocument(ctx *fiber.Ctx) error {
	userIdStr := ctx.Locals("user_id").(string)
	userId, _ := uuid.Parse(userIdStr)

	documentId, err := uuid.Parse(ctx.Params("documentId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid document id")
	}

	if err := c.documentService.DeleteDocument(ctx.Context(), userId, documentId); err != nil {
		return err
	}

	return serverutils.SuccessResponse(ctx, fiber.StatusOK, "Success delete document", nil)
}
