package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClient_CreateCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/cards", r.URL.Path)
		var req CreateCardReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "acc-1", req.AccountRef)
		require.Equal(t, int64(5000), req.Limit)
		json.NewEncoder(w).Encode(ExternalCardHandle{ID: "ext-9", Last4: "4242", Network: "visa", ExpiryYYMM: "3012", Status: "active"})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", nil)
	h, err := c.CreateCard(context.Background(), "acc-1", "JANE DOE", 5000)
	require.NoError(t, err)
	require.Equal(t, "ext-9", h.ID)
	require.Equal(t, "4242", h.Last4)
}

func TestClient_CreateCardErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "vendor down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).CreateCard(context.Background(), "acc-1", "", 1)
	require.ErrorContains(t, err, "status=502")

	partial := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ext-1"}`))
	}))
	defer partial.Close()
	_, err = New(partial.URL, nil).CreateCard(context.Background(), "acc-1", "", 1)
	require.ErrorContains(t, err, "incomplete handle")
}
