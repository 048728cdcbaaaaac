package api

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DecodeRequestBody unwraps gzip request bodies before they reach a handler.
// A body that is not valid gzip gets the BadRequest error response.
func DecodeRequestBody() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !encodedWith(req.Header.Values(echo.HeaderContentEncoding), "gzip") {
				return next(c)
			}
			zr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				c.Set(errorStageKey, "decode")
				return writeError(c, &badRequestError{err: fmt.Errorf("gzip: %w", err)}, http.StatusBadRequest)
			}
			req.Body = unzippedBody{Reader: zr, raw: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// encodedWith reports whether enc appears in any Content-Encoding value.
func encodedWith(values []string, enc string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), enc) {
				return true
			}
		}
	}
	return false
}

type unzippedBody struct {
	*gzip.Reader
	raw io.ReadCloser
}

func (b unzippedBody) Close() error {
	return errors.Join(b.Reader.Close(), b.raw.Close())
}
