package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit caps request bodies. uploadLimit applies to POST requests whose
// path ends in one of uploadPaths and defaultLimit to everything else. Both
// use the ParseLimit syntax.
func BodyLimit(defaultLimit, uploadLimit string, uploadPaths ...string) echo.MiddlewareFunc {
	defaultBytes := ParseLimit(defaultLimit)
	uploadBytes := ParseLimit(uploadLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost {
				for _, p := range uploadPaths {
					if strings.HasSuffix(req.URL.Path, p) {
						limit = uploadBytes
						break
					}
				}
			}

			if req.ContentLength > limit {
				return payloadTooLarge(limit)
			}

			// Content-Length may be missing or wrong.
			req.Body = &cappedBody{ReadCloser: req.Body, left: limit, limit: limit}

			return next(c)
		}
	}
}

// cappedBody fails the read that goes past limit with a 413.
type cappedBody struct {
	io.ReadCloser
	left  int64
	limit int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.left < 0 {
		return 0, payloadTooLarge(b.limit)
	}
	if int64(len(p)) > b.left+1 {
		p = p[:b.left+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		return 0, payloadTooLarge(b.limit)
	}
	return n, err
}

func payloadTooLarge(limit int64) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
}

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"GB", 30}, {"G", 30},
	{"MB", 20}, {"M", 20},
	{"KB", 10}, {"K", 10},
}

// ParseLimit turns "512K", "1M", "20MB" or a plain byte count into bytes.
// Empty or malformed input yields 1M.
func ParseLimit(s string) int64 {
	const fallback = 1 << 20
	s = strings.ToUpper(strings.TrimSpace(s))
	var shift uint
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, shift = strings.TrimSuffix(s, u.suffix), u.shift
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n << shift
}
