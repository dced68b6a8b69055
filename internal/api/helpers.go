package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
)

const maxBodyBytes = 1 << 20

func writeBadRequest(c *echo.Context, requestID, msg string) error {
	return writeError(c, http.StatusBadRequest, requestID, kindInvalidRequest, msg)
}

func writeError(c *echo.Context, status int, requestID, kind, msg string) error {
	return c.JSON(status, ErrorResponse{
		Error:     ErrorDetail{Kind: kind, Message: msg},
		RequestID: requestID,
	})
}

// requestID reuses a caller supplied X-Request-Id and otherwise mints one.
func requestID(c *echo.Context) string {
	id := strings.TrimSpace(c.Request().Header.Get(echo.HeaderXRequestID))
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	c.Response().Header().Set(echo.HeaderXRequestID, id)
	return id
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, newInvalidRequest(fmt.Sprintf("decode body: %v", err))
	}
	return out, nil
}
