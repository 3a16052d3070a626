package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/jsoncodec"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	b, err := jsoncodec.Marshal(v)
	if err != nil {
		return
	}
	_, _ = c.Writer.Write(b)
}

// writeError maps the error taxonomy onto HTTP status codes: missing
// documents are 404, bad keys and configuration are 400, anything else 500.
func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrRunNotFound),
		errors.Is(err, errdefs.ErrResourceNotFound),
		errors.Is(err, errdefs.ErrDatumNotFound),
		errors.Is(err, errdefs.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrAmbiguousKey),
		errors.Is(err, errdefs.ErrPartitionOutOfRange),
		errors.Is(err, errdefs.ErrInvalidConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// lineEncoder writes one JSON value per line, flushing after each so
// document dumps stream incrementally.
type lineEncoder struct {
	w io.Writer
	f http.Flusher
}

func newLineEncoder(w gin.ResponseWriter) *lineEncoder {
	return &lineEncoder{w: w, f: w}
}

func (e *lineEncoder) encode(v any) error {
	b, err := jsoncodec.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	if e.f != nil {
		e.f.Flush()
	}
	return nil
}
