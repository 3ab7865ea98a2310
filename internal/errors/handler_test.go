package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler keeps the levels of logged records
type recordingHandler struct {
	slog.Handler
	levels *[]slog.Level
}

func (h recordingHandler) Handle(_ context.Context, r slog.Record) error {
	*h.levels = append(*h.levels, r.Level)
	return nil
}

func (h recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func newTestHandler(debug bool) (*ErrorHandler, *[]slog.Level) {
	levels := &[]slog.Level{}
	base := slog.NewJSONHandler(io.Discard, nil)
	return NewErrorHandler(slog.New(recordingHandler{Handler: base, levels: levels}), debug), levels
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestErrorHandlerHandleError(t *testing.T) {
	t.Run("nil error writes nothing", func(t *testing.T) {
		h, levels := newTestHandler(false)
		rec := httptest.NewRecorder()
		h.HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
		assert.Equal(t, 0, rec.Body.Len())
		assert.Empty(t, *levels)
	})

	t.Run("domain error is mapped and logged as error", func(t *testing.T) {
		h, levels := newTestHandler(false)
		rec := httptest.NewRecorder()
		h.HandleError(rec, httptest.NewRequest(http.MethodPost, "/api/license/refresh", nil), ErrAuthorityUnreachable)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decodeProblem(t, rec)
		assert.Equal(t, TypeAuthorityDown, body["type"])
		assert.NotContains(t, body, "cause")
		assert.Equal(t, []slog.Level{slog.LevelError}, *levels)
	})

	t.Run("client error logs at warn", func(t *testing.T) {
		h, levels := newTestHandler(false)
		rec := httptest.NewRecorder()
		err := InvalidParameter("host", fmt.Errorf("not a valid host name"))
		h.HandleError(rec, httptest.NewRequest(http.MethodGet, "/api/license/check", nil), err)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeProblem(t, rec)
		assert.Equal(t, TypeInvalidParameter, body["type"])
		assert.Equal(t, "not a valid host name", body["details"])
		assert.Equal(t, []slog.Level{slog.LevelWarn}, *levels)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("debug exposes server error causes", func(t *testing.T) {
		h, _ := newTestHandler(true)
		rec := httptest.NewRecorder()
		h.HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), fmt.Errorf("load state: %w", ErrStateCorrupted))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, decodeProblem(t, rec)["cause"], "persisted license state corrupted")
	})
}

func TestErrorHandlerRouting(t *testing.T) {
	h, _ := newTestHandler(false)

	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "/missing", decodeProblem(t, rec)["instance"])

	rec = httptest.NewRecorder()
	h.MethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/api/license/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, TypeMethodNotAllowed, body["type"])
	assert.Equal(t, "DELETE is not supported here", body["detail"])
}
