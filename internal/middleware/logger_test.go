package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.HandlerOptions{}.NewJSONHandler(&buf))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(NewStructuredLogger(logger))
	r.Get("/cards/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/-/live", func(w http.ResponseWriter, r *http.Request) {})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cards/1", nil))
	require.Equal(t, http.StatusTeapot, w.Code)
	require.Contains(t, buf.String(), `"path":"/cards/1"`)
	require.Contains(t, buf.String(), `"status":418`)
	require.Contains(t, buf.String(), `"request_id"`)

	buf.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/-/live", nil))
	require.Empty(t, buf.String())
}
