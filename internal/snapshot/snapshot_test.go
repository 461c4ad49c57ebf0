package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	issuermodels "github.com/alovak/virtualcard/issuer/models"
	threedsmodels "github.com/alovak/virtualcard/threeds/models"
)

func sampleState() *State {
	return &State{
		TakenAt:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		Accounts: []*issuermodels.Account{{ID: "acc-1", Currency: "USD", AvailableBalance: 5000}},
		Cards: []*issuermodels.Card{
			{ID: "card-1", AccountID: "acc-1", PAN: "4111111111111111", SealedPAN: "sealed", Last4: "1111", Status: issuermodels.CardStatusActive},
		},
		Transactions: []*issuermodels.Transaction{
			{ID: "tx-1", CardID: "card-1", Type: issuermodels.TransactionTypePurchase, Amount: 100, Status: issuermodels.TransactionStatusCompleted},
			{ID: "tx-2", CardID: "card-1", Type: issuermodels.TransactionTypePurchase, Amount: 100, Status: issuermodels.TransactionStatusReversed, ReversalOf: "tx-1"},
		},
		Challenges: []*threedsmodels.Challenge{
			{ID: "ch-1", CardID: "card-1", Status: threedsmodels.ChallengeStatusPending, MaxAttempts: 3},
		},
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, Save(path, sampleState()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "4111111111111111")

	got, err := Load(path)
	require.NoError(t, err)
	require.Len(t, got.Accounts, 1)
	require.Len(t, got.Cards, 1)
	require.Len(t, got.Transactions, 2)
	require.Len(t, got.Challenges, 1)
	require.Equal(t, "sealed", got.Cards[0].SealedPAN)
	require.Empty(t, got.Cards[0].PAN)
	require.Equal(t, "tx-1", got.Transactions[1].ReversalOf)
}

func TestLoadMissingFile(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Empty(t, got.Cards)
}

func TestLoadRejectsBrokenReferences(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*State)
	}{
		{"challenge for unknown card", func(s *State) { s.Challenges[0].CardID = "card-x" }},
		{"transaction for unknown card", func(s *State) { s.Transactions[0].CardID = "card-x" }},
		{"card for unknown account", func(s *State) { s.Cards[0].AccountID = "acc-x" }},
		{"reversal of unknown transaction", func(s *State) { s.Transactions[1].ReversalOf = "tx-x" }},
		{"duplicate challenge", func(s *State) { s.Challenges = append(s.Challenges, s.Challenges[0]) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := sampleState()
			tt.mutate(state)

			path := filepath.Join(t.TempDir(), "state.json")
			require.NoError(t, Save(path, state))

			_, err := Load(path)
			require.ErrorIs(t, err, ErrIntegrity)
		})
	}
}
