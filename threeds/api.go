package threeds

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alovak/virtualcard/threeds/models"
)

// API is a HTTP API for the challenge engine
type API struct {
	engine *Engine
}

func NewAPI(engine *Engine) *API {
	return &API{engine: engine}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/3ds", func(r chi.Router) {
		r.Post("/challenges", a.createChallenge)
		r.Get("/challenges/{challengeID}", a.getChallenge)
		r.Post("/challenges/{challengeID}/verify", a.verify)
		r.Post("/challenges/{challengeID}/resend", a.resend)
		r.Put("/cards/{cardID}/destination", a.setDestination)
	})
}

// challengeResponse never exposes the code hash or the full destination.
type challengeResponse struct {
	*models.Challenge
	CodeHash          string `json:"code_hash,omitempty"`
	Destination       string `json:"destination,omitempty"`
	RemainingAttempts int    `json:"remaining_attempts"`
	Code              string `json:"code,omitempty"`
}

func newChallengeResponse(ch *models.Challenge) challengeResponse {
	return challengeResponse{Challenge: ch, RemainingAttempts: ch.RemainingAttempts()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrCardNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrResendLimit):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, models.ErrNotEnrolled), errors.Is(err, models.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, models.ErrDelivery):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *API) createChallenge(w http.ResponseWriter, r *http.Request) {
	var req models.CreateChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := a.engine.CreateChallenge(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := newChallengeResponse(created.Challenge)
	resp.Code = created.Code
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) getChallenge(w http.ResponseWriter, r *http.Request) {
	ch, err := a.engine.GetChallenge(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newChallengeResponse(ch))
}

func (a *API) verify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := a.engine.Verify(r.Context(), chi.URLParam(r, "challengeID"), body.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) resend(w http.ResponseWriter, r *http.Request) {
	created, err := a.engine.Resend(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := newChallengeResponse(created.Challenge)
	resp.Code = created.Code
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) setDestination(w http.ResponseWriter, r *http.Request) {
	var dest models.Destination
	if err := json.NewDecoder(r.Body).Decode(&dest); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.engine.SetDefaultDestination(r.Context(), chi.URLParam(r, "cardID"), dest); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
