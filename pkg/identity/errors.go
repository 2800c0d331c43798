package identity

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, ErrUnknownModule) || errors.Is(err, ErrTokenMismatch) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	// Unexpected error
	slog.Error("Unexpected identity service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
