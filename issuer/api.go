package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alovak/virtualcard/issuer/models"
)

// API is a HTTP API for the issuer service
type API struct {
	issuer *Service
}

func NewAPI(issuer *Service) *API {
	return &API{
		issuer: issuer,
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", a.createAccount)
		r.Route("/{accountID}", func(r chi.Router) {
			r.Get("/", a.getAccount)
			r.Put("/balance", a.setAccountBalance)
			r.Post("/cards", a.issueCard)
			r.Post("/cards/external", a.issueExternal)
			r.Get("/cards", a.listCards)
		})
	})
	r.Route("/cards/{cardID}", func(r chi.Router) {
		r.Get("/", a.getCard)
		r.Delete("/", a.purgeCard)
		r.Post("/freeze", a.cardAction(a.issuer.Freeze))
		r.Post("/unfreeze", a.cardAction(a.issuer.Unfreeze))
		r.Post("/activate", a.cardAction(a.issuer.Activate))
		r.Post("/cancel", a.cardAction(a.issuer.Cancel))
		r.Post("/sync", a.cardAction(a.issuer.Sync))
		r.Put("/limits", a.updateLimits)
		r.Put("/pin", a.setPIN)
		r.Put("/holder", a.setCardholderName)
		r.Post("/transactions", a.authorize)
		r.Get("/transactions", a.getTransactions)
	})
	r.Post("/transactions/{txID}/reverse", a.reverse)
}

// cardResponse hides the sealed fields of the embedded card: the outer,
// always-empty fields win over the embedded ones and are omitted.
type cardResponse struct {
	*models.Card
	SealedPAN string `json:"sealed_pan,omitempty"`
	SealedCVV string `json:"sealed_cvv,omitempty"`
	SealedPIN string `json:"sealed_pin,omitempty"`
	HasPIN    bool   `json:"has_pin"`
	CardFace  string `json:"card_face"`
	CVV       string `json:"cvv,omitempty"`
}

func newCardResponse(card *models.Card) cardResponse {
	return cardResponse{
		Card:     card,
		HasPIN:   card.SealedPIN != "",
		CardFace: formatCardFace(card.ExpirationDate, card.CardholderName),
	}
}

// formatCardFace returns "MM/YY [NAME]" for a YYMM expiry.
func formatCardFace(yymm, name string) string {
	face := ""
	if len(yymm) == 4 {
		face = yymm[2:] + "/" + yymm[:2]
	}
	if name != "" {
		if face != "" {
			face += " "
		}
		face += name
	}
	return face
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrAccountNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// decodeOptional decodes a JSON body into v; an empty body leaves v as is.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	create := models.CreateAccount{}
	err := json.NewDecoder(r.Body).Decode(&create)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	account, err := a.issuer.CreateAccount(r.Context(), create)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	account, err := a.issuer.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (a *API) setAccountBalance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AvailableBalance int64  `json:"available_balance"`
		TotalBalance     *int64 `json:"total_balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	total := body.AvailableBalance
	if body.TotalBalance != nil {
		total = *body.TotalBalance
	}

	account, err := a.issuer.SetAccountBalance(r.Context(), chi.URLParam(r, "accountID"), body.AvailableBalance, total)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (a *API) issueCard(w http.ResponseWriter, r *http.Request) {
	var req models.IssueCardRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.AccountID = chi.URLParam(r, "accountID")

	issued, err := a.issuer.IssueCard(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := newCardResponse(issued.Card)
	resp.CVV = issued.CVV
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) issueExternal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CardholderName string `json:"cardholder_name"`
		Limit          int64  `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	card, err := a.issuer.IssueExternal(r.Context(), chi.URLParam(r, "accountID"), body.CardholderName, body.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCardResponse(card))
}

func (a *API) listCards(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if _, err := a.issuer.GetAccount(r.Context(), accountID); err != nil {
		writeError(w, err)
		return
	}

	cards, err := a.issuer.ListCards(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]cardResponse, 0, len(cards))
	for _, c := range cards {
		out = append(out, newCardResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getCard(w http.ResponseWriter, r *http.Request) {
	card, err := a.issuer.GetCard(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardResponse(card))
}

func (a *API) purgeCard(w http.ResponseWriter, r *http.Request) {
	if err := a.issuer.Purge(r.Context(), chi.URLParam(r, "cardID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) cardAction(fn func(ctx context.Context, cardID string) (*models.Card, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		card, err := fn(r.Context(), chi.URLParam(r, "cardID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newCardResponse(card))
	}
}

func (a *API) updateLimits(w http.ResponseWriter, r *http.Request) {
	var limits models.Limits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	card, err := a.issuer.UpdateLimits(r.Context(), chi.URLParam(r, "cardID"), limits)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardResponse(card))
}

func (a *API) setPIN(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PIN string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.issuer.SetPIN(r.Context(), chi.URLParam(r, "cardID"), body.PIN); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setCardholderName(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CardholderName string `json:"cardholder_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	card, err := a.issuer.SetCardholderName(r.Context(), chi.URLParam(r, "cardID"), body.CardholderName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardResponse(card))
}

func (a *API) authorize(w http.ResponseWriter, r *http.Request) {
	var req models.AuthorizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.CardID = chi.URLParam(r, "cardID")

	resp, err := a.issuer.Authorize(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if !resp.Approved() {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) getTransactions(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")

	transactions, err := a.issuer.ListTransactions(r.Context(), cardID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, transactions)
}

func (a *API) reverse(w http.ResponseWriter, r *http.Request) {
	reversal, err := a.issuer.Reverse(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reversal)
}
