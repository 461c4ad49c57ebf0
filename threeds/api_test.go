package threeds

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/alovak/virtualcard/threeds/models"
)

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, &buf))
	return w
}

func TestAPI(t *testing.T) {
	f := newFixture(t, func(c *EngineConfig) { c.EchoCode = true })
	router := chi.NewRouter()
	NewAPI(f.engine).AppendRoutes(router)

	var challengeID, code string

	t.Run("set default destination", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPut, "/3ds/cards/card-visa/destination",
			models.Destination{Channel: models.ChannelEmail, Address: "jane@example.com"})
		require.Equal(t, http.StatusNoContent, w.Code)

		w = doJSON(t, router, http.MethodPut, "/3ds/cards/card-visa/destination",
			models.Destination{Channel: models.ChannelEmail, Address: "not-an-email"})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("create challenge", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/3ds/challenges", models.CreateChallengeRequest{
			CardID:   "card-visa",
			Amount:   1500,
			Currency: "USD",
			Merchant: "Bookstore",
		})
		require.Equal(t, http.StatusCreated, w.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotContains(t, resp, "code_hash")
		require.NotContains(t, resp, "destination")
		require.Equal(t, "j***e@example.com", resp["masked_destination"])
		require.Equal(t, "pending", resp["status"])
		require.EqualValues(t, 3, resp["remaining_attempts"])

		challengeID = resp["id"].(string)
		code = resp["code"].(string)
		require.Equal(t, f.notifier.lastCode(t), code)
	})

	t.Run("get challenge", func(t *testing.T) {
		w := doJSON(t, router, http.MethodGet, "/3ds/challenges/"+challengeID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = doJSON(t, router, http.MethodGet, "/3ds/challenges/unknown", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("verify", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/3ds/challenges/"+challengeID+"/verify", map[string]string{"code": code})
		require.Equal(t, http.StatusOK, w.Code)

		var res models.VerifyResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		require.Equal(t, models.VerifySuccess, res.Status)
		require.NotEmpty(t, res.CAVV)

		w = doJSON(t, router, http.MethodPost, "/3ds/challenges/"+challengeID+"/verify", map[string]string{"code": code})
		require.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("resend after expiry", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/3ds/challenges", models.CreateChallengeRequest{CardID: "card-visa", Amount: 100})
		require.Equal(t, http.StatusCreated, w.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		id := resp["id"].(string)

		w = doJSON(t, router, http.MethodPost, "/3ds/challenges/"+id+"/resend", nil)
		require.Equal(t, http.StatusOK, w.Code)

		f.clock.Advance(10 * time.Minute)

		w = doJSON(t, router, http.MethodPost, "/3ds/challenges/"+id+"/resend", nil)
		require.Equal(t, http.StatusConflict, w.Code)

		w = doJSON(t, router, http.MethodPost, "/3ds/challenges/"+id+"/verify", map[string]string{"code": "000000"})
		require.Equal(t, http.StatusOK, w.Code)
		var res models.VerifyResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		require.Equal(t, models.VerifyExpired, res.Status)
	})

	t.Run("not enrolled", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/3ds/challenges", models.CreateChallengeRequest{
			CardID:      "card-no3ds",
			Amount:      100,
			Destination: &models.Destination{Channel: models.ChannelSMS, Address: "+15551234567"},
		})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}
