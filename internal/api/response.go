package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIResponse is the envelope every JSON endpoint writes: the HTTP status
// repeated in the body, its text, and the endpoint payload.
type APIResponse struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ValidationError describes one rejected request field.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func dataResponse(c echo.Context, statusCode int, data interface{}) error {
	return c.JSON(statusCode, APIResponse{
		Status:  statusCode,
		Message: http.StatusText(statusCode),
		Data:    data,
	})
}

func successResponse(c echo.Context, data interface{}) error {
	return dataResponse(c, http.StatusOK, data)
}

func badRequestResponse(c echo.Context, data interface{}) error {
	return dataResponse(c, http.StatusBadRequest, data)
}

func serverErrorResponse(c echo.Context) error {
	return dataResponse(c, http.StatusInternalServerError, "something went wrong")
}
