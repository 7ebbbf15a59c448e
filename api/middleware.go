package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const userIDKey = "userID"

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers
// decode plain JSON. Invalid gzip payloads are rejected with 400.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid gzip body"})
			}

			req.Body = &gzipReadCloser{Reader: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// authenticate resolves the caller from the Authorization header. Browsers
// cannot set headers on EventSource or WebSocket handshakes, so a token
// query parameter is accepted as a fallback.
func (h *handlers) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			if token := c.QueryParam("token"); token != "" {
				header = "Bearer " + token
			}
		}
		start := time.Now()
		userID, err := h.auth.UserIDFromAuthHeader(header)
		if err != nil {
			h.logger.WithError(err).WithField("path", c.Path()).Debug("unauthorized request")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		c.Set(userIDKey, userID)
		c.Set(authDurationKey, time.Since(start))
		return next(c)
	}
}

const authDurationKey = "authDuration"

func userIDFrom(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}
