package serverutils

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

type Response struct {
	Success bool        `json:"success"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func SuccessResponse(ctx *fiber.Ctx, code int, message string, data interface{}) error {
	return ctx.Status(code).JSON(Response{
		Success: true,
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ErrorResponse(ctx *fiber.Ctx, code int, message string) error {
	return ctx.Status(code).JSON(Response{
		Success: false,
		Code:    code,
		Message: message,
	})
}

var validate = validator.New()

// ValidateRequest runs struct-tag validation and converts failures into a
// 400-level fiber error with a readable field list.
func ValidateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		msg := "validation failed:"
		for _, fe := range validationErrs {
			msg += fmt.Sprintf(" %s (%s)", fe.Field(), fe.Tag())
		}
		return fiber.NewError(fiber.StatusBadRequest, msg)
	}
	return fiber.NewError(fiber.StatusBadRequest, err.Error())
}

// ErrorHandlerMiddleware converts errors bubbling out of handlers into the
// standard JSON envelope. Fiber errors keep their status code; everything
// else becomes a 500.
func ErrorHandlerMiddleware() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		err := ctx.Next()
		if err == nil {
			return nil
		}

		code := fiber.StatusInternalServerError
		message := "internal server error"

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
			message = fiberErr.Message
		}

		return ErrorResponse(ctx, code, message)
	}
}
