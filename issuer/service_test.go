package issuer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/alovak/virtualcard/internal/cardgen"
	"github.com/alovak/virtualcard/issuer"
	"github.com/alovak/virtualcard/issuer/models"
)

var issuedAt = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type ledgerFixture struct {
	svc   *issuer.Service
	repo  *issuer.Repository
	clock *clockz.FakeClock
}

func newLedger(t *testing.T) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{
		repo:  issuer.NewRepository(),
		clock: clockz.NewFakeClockAt(issuedAt),
	}
	f.svc = issuer.NewService(f.repo, issuer.DefaultConfig(), issuer.WithClock(f.clock))
	return f
}

func (f *ledgerFixture) account(t *testing.T, balance int64) *models.Account {
	t.Helper()
	acc, err := f.svc.CreateAccount(context.Background(), models.CreateAccount{Balance: balance, Currency: "usd"})
	require.NoError(t, err)
	return acc
}

func (f *ledgerFixture) card(t *testing.T, balance int64, limits *models.Limits) *models.Card {
	t.Helper()
	acc := f.account(t, balance)
	issued, err := f.svc.IssueCard(context.Background(), models.IssueCardRequest{AccountID: acc.ID, CardholderName: "JANE DOE", Limits: limits})
	require.NoError(t, err)
	return issued.Card
}

func (f *ledgerFixture) authorize(t *testing.T, cardID string, typ models.TransactionType, amount int64) models.AuthorizationResponse {
	t.Helper()
	resp, err := f.svc.Authorize(context.Background(), models.AuthorizationRequest{CardID: cardID, Type: typ, Amount: amount})
	require.NoError(t, err)
	return resp
}

func TestService_IssueCard(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	acc := f.account(t, 5000)

	issued, err := f.svc.IssueCard(ctx, models.IssueCardRequest{AccountID: acc.ID, CardholderName: "JANE DOE"})
	require.NoError(t, err)
	card := issued.Card

	require.Len(t, card.PAN, 16)
	require.True(t, cardgen.Validate(card.PAN))
	require.Equal(t, cardgen.NetworkVisa, cardgen.Classify(card.PAN))
	require.Equal(t, cardgen.Mask(card.PAN), card.MaskedPAN)
	require.Equal(t, card.PAN[12:], card.Last4)
	require.Equal(t, models.CardStatusActive, card.Status)
	require.Equal(t, "USD", card.Currency)
	require.Equal(t, models.Limits{Spending: 5000, Daily: 5000, Monthly: 5000, PerTransaction: 5000}, card.Limits)
	require.Equal(t, int64(5000), card.AvailableBalance)
	require.True(t, card.ThreeDSecure)
	require.True(t, card.Contactless)

	// debit cards are valid for 5 years and expire at the end of the month
	require.Equal(t, "3106", card.ExpirationDate)
	require.Equal(t, time.Date(2031, 6, 30, 23, 59, 59, 999999999, time.UTC), card.ExpiresAt)

	require.Len(t, issued.CVV, 3)
	require.NotEmpty(t, card.SealedCVV)
	require.NotContains(t, card.SealedCVV, issued.CVV)

	t.Run("caps default limits", func(t *testing.T) {
		rich := f.account(t, 50_000_000)
		issued, err := f.svc.IssueCard(ctx, models.IssueCardRequest{AccountID: rich.ID})
		require.NoError(t, err)
		require.Equal(t, models.Limits{Spending: 1000000, Daily: 200000, Monthly: 1000000, PerTransaction: 100000}, issued.Card.Limits)
	})

	t.Run("amex", func(t *testing.T) {
		issued, err := f.svc.IssueCard(ctx, models.IssueCardRequest{AccountID: acc.ID, Network: cardgen.NetworkAmex, Tier: cardgen.TierPlatinum, Category: models.CategoryCredit})
		require.NoError(t, err)
		require.Len(t, issued.Card.PAN, 15)
		require.Equal(t, cardgen.NetworkAmex, cardgen.Classify(issued.Card.PAN))
		require.Len(t, issued.CVV, 4)
		require.Equal(t, "2906", issued.Card.ExpirationDate)
	})

	t.Run("unique numbers", func(t *testing.T) {
		seen := map[string]bool{card.PAN: true}
		for i := 0; i < 20; i++ {
			issued, err := f.svc.IssueCard(ctx, models.IssueCardRequest{AccountID: acc.ID})
			require.NoError(t, err)
			require.False(t, seen[issued.Card.PAN])
			seen[issued.Card.PAN] = true
		}
	})

	t.Run("rejections", func(t *testing.T) {
		_, err := f.svc.IssueCard(ctx, models.IssueCardRequest{AccountID: "missing"})
		require.ErrorIs(t, err, models.ErrAccountNotFound)

		_, err = f.svc.IssueCard(ctx, models.IssueCardRequest{AccountID: acc.ID, Category: "gift"})
		require.ErrorIs(t, err, models.ErrInvalidRequest)

		_, err = f.svc.IssueCard(ctx, models.IssueCardRequest{AccountID: acc.ID, PIN: "12"})
		require.ErrorIs(t, err, models.ErrInvalidRequest)

		_, err = f.svc.IssueCard(ctx, models.IssueCardRequest{AccountID: acc.ID, Limits: &models.Limits{Daily: -1}})
		require.ErrorIs(t, err, models.ErrInvalidRequest)
	})
}

func TestService_AuthorizeExceedsPerTransactionLimit(t *testing.T) {
	f := newLedger(t)
	card := f.card(t, 1000, &models.Limits{Spending: 1000, Daily: 1000, Monthly: 1000, PerTransaction: 100})

	resp := f.authorize(t, card.ID, models.TransactionTypePurchase, 150)
	require.False(t, resp.Approved())
	require.Equal(t, models.DeclineExceedsPerTransactionLimit, resp.Decline)
	require.Equal(t, models.ApprovalCodeExceedsLimit, resp.ApprovalCode)
	require.Nil(t, resp.Transaction)

	got, err := f.svc.GetCard(context.Background(), card.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), got.AvailableBalance)
	require.Equal(t, int64(0), got.TotalSpent)
	require.Equal(t, int64(0), got.TransactionCount)

	txs, err := f.svc.ListTransactions(context.Background(), card.ID)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestService_AuthorizeApproves(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	card := f.card(t, 1000, nil)

	resp := f.authorize(t, card.ID, models.TransactionTypePurchase, 250)
	require.True(t, resp.Approved())
	require.Equal(t, models.ApprovalCodeApproved, resp.ApprovalCode)
	require.Len(t, resp.AuthorizationCode, 6)
	require.Equal(t, models.TransactionStatusCompleted, resp.Transaction.Status)
	require.Equal(t, "USD", resp.Transaction.Currency)

	resp = f.authorize(t, card.ID, models.TransactionTypeRefund, 50)
	require.True(t, resp.Approved())

	got, err := f.svc.GetCard(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, int64(800), got.AvailableBalance)
	require.Equal(t, int64(200), got.TotalSpent)
	require.Equal(t, int64(2), got.TransactionCount)
	require.NotNil(t, got.LastUsedAt)
	require.Equal(t, issuedAt, *got.LastUsedAt)

	txs, err := f.svc.ListTransactions(ctx, card.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
}

func TestService_AuthorizeDeclines(t *testing.T) {
	limits := &models.Limits{Spending: 700, Daily: 400, Monthly: 600, PerTransaction: 300}

	tests := []struct {
		name   string
		setup  func(t *testing.T, f *ledgerFixture, card *models.Card)
		req    models.AuthorizationRequest
		reason models.DeclineReason
		code   string
	}{
		{
			name:   "invalid amount",
			req:    models.AuthorizationRequest{Type: models.TransactionTypePurchase, Amount: 0},
			reason: models.DeclineInvalidAmount,
			code:   models.ApprovalCodeInvalidAmount,
		},
		{
			name:   "currency mismatch",
			req:    models.AuthorizationRequest{Type: models.TransactionTypePurchase, Amount: 10, Currency: "EUR"},
			reason: models.DeclineCurrencyMismatch,
			code:   models.ApprovalCodeDoNotHonor,
		},
		{
			name: "frozen card",
			setup: func(t *testing.T, f *ledgerFixture, card *models.Card) {
				_, err := f.svc.Freeze(context.Background(), card.ID)
				require.NoError(t, err)
			},
			req:    models.AuthorizationRequest{Type: models.TransactionTypeWithdrawal, Amount: 10},
			reason: models.DeclineCardNotActive,
			code:   models.ApprovalCodeRestrictedCard,
		},
		{
			name: "state checked before limits",
			setup: func(t *testing.T, f *ledgerFixture, card *models.Card) {
				_, err := f.svc.Cancel(context.Background(), card.ID)
				require.NoError(t, err)
			},
			req:    models.AuthorizationRequest{Type: models.TransactionTypePurchase, Amount: 5000},
			reason: models.DeclineCardNotActive,
			code:   models.ApprovalCodeRestrictedCard,
		},
		{
			name: "state checked before amount",
			setup: func(t *testing.T, f *ledgerFixture, card *models.Card) {
				_, err := f.svc.Freeze(context.Background(), card.ID)
				require.NoError(t, err)
			},
			req:    models.AuthorizationRequest{Type: models.TransactionTypePurchase, Amount: 0, Currency: "EUR"},
			reason: models.DeclineCardNotActive,
			code:   models.ApprovalCodeRestrictedCard,
		},
		{
			name: "refund on cancelled card",
			setup: func(t *testing.T, f *ledgerFixture, card *models.Card) {
				_, err := f.svc.Cancel(context.Background(), card.ID)
				require.NoError(t, err)
			},
			req:    models.AuthorizationRequest{Type: models.TransactionTypeRefund, Amount: -5},
			reason: models.DeclineCardNotActive,
			code:   models.ApprovalCodeRestrictedCard,
		},
		{
			name:   "per transaction limit before balance",
			req:    models.AuthorizationRequest{Type: models.TransactionTypePurchase, Amount: 2000},
			reason: models.DeclineExceedsPerTransactionLimit,
			code:   models.ApprovalCodeExceedsLimit,
		},
		{
			name: "insufficient balance",
			setup: func(t *testing.T, f *ledgerFixture, card *models.Card) {
				_, err := f.svc.SetAccountBalance(context.Background(), card.AccountID, 100, 100)
				require.NoError(t, err)
				_, err = f.svc.Sync(context.Background(), card.ID)
				require.NoError(t, err)
			},
			req:    models.AuthorizationRequest{Type: models.TransactionTypePurchase, Amount: 200},
			reason: models.DeclineInsufficientBalance,
			code:   models.ApprovalCodeInsufficientFunds,
		},
		{
			name: "daily limit",
			setup: func(t *testing.T, f *ledgerFixture, card *models.Card) {
				require.True(t, f.authorize(t, card.ID, models.TransactionTypePurchase, 300).Approved())
			},
			req:    models.AuthorizationRequest{Type: models.TransactionTypePurchase, Amount: 150},
			reason: models.DeclineExceedsDailyLimit,
			code:   models.ApprovalCodeExceedsFrequency,
		},
		{
			name: "monthly limit",
			setup: func(t *testing.T, f *ledgerFixture, card *models.Card) {
				require.True(t, f.authorize(t, card.ID, models.TransactionTypePurchase, 300).Approved())
				f.clock.Advance(24 * time.Hour)
				require.True(t, f.authorize(t, card.ID, models.TransactionTypePurchase, 250).Approved())
				f.clock.Advance(24 * time.Hour)
			},
			req:    models.AuthorizationRequest{Type: models.TransactionTypePurchase, Amount: 100},
			reason: models.DeclineExceedsMonthlyLimit,
			code:   models.ApprovalCodeExceedsFrequency,
		},
		{
			name: "lifetime spending limit",
			setup: func(t *testing.T, f *ledgerFixture, card *models.Card) {
				require.True(t, f.authorize(t, card.ID, models.TransactionTypePurchase, 300).Approved())
				f.clock.Advance(24 * time.Hour)
				require.True(t, f.authorize(t, card.ID, models.TransactionTypePurchase, 300).Approved())
				f.clock.Advance(31 * 24 * time.Hour)
			},
			req:    models.AuthorizationRequest{Type: models.TransactionTypePurchase, Amount: 200},
			reason: models.DeclineExceedsSpendingLimit,
			code:   models.ApprovalCodeExceedsLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLedger(t)
			card := f.card(t, 1000, limits)
			if tt.setup != nil {
				tt.setup(t, f, card)
			}
			before, err := f.svc.GetCard(context.Background(), card.ID)
			require.NoError(t, err)

			req := tt.req
			req.CardID = card.ID
			resp, err := f.svc.Authorize(context.Background(), req)
			require.NoError(t, err)
			require.False(t, resp.Approved())
			require.Equal(t, tt.reason, resp.Decline)
			require.Equal(t, tt.code, resp.ApprovalCode)

			after, err := f.svc.GetCard(context.Background(), card.ID)
			require.NoError(t, err)
			require.Equal(t, before.AvailableBalance, after.AvailableBalance)
			require.Equal(t, before.TotalSpent, after.TotalSpent)
			require.Equal(t, before.TransactionCount, after.TransactionCount)
		})
	}
}

func TestService_AuthorizeRefundOnFrozenCard(t *testing.T) {
	f := newLedger(t)
	card := f.card(t, 1000, nil)
	require.True(t, f.authorize(t, card.ID, models.TransactionTypePurchase, 400).Approved())

	_, err := f.svc.Freeze(context.Background(), card.ID)
	require.NoError(t, err)

	require.True(t, f.authorize(t, card.ID, models.TransactionTypeRefund, 100).Approved())

	// refunds never push totalSpent below zero
	require.True(t, f.authorize(t, card.ID, models.TransactionTypeRefund, 900).Approved())
	got, err := f.svc.GetCard(context.Background(), card.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.TotalSpent)
	require.Equal(t, int64(1600), got.AvailableBalance)
}

func TestService_AuthorizeUnknown(t *testing.T) {
	f := newLedger(t)

	_, err := f.svc.Authorize(context.Background(), models.AuthorizationRequest{CardID: "missing", Type: models.TransactionTypePurchase, Amount: 1})
	require.ErrorIs(t, err, models.ErrNotFound)

	card := f.card(t, 100, nil)
	_, err = f.svc.Authorize(context.Background(), models.AuthorizationRequest{CardID: card.ID, Type: "chargeback", Amount: 1})
	require.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestService_SyncFollowsAccountBalance(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	card := f.card(t, 1000, nil)

	require.True(t, f.authorize(t, card.ID, models.TransactionTypePurchase, 100).Approved())

	// core banking books the purchase
	acc, err := f.svc.SetAccountBalance(ctx, card.AccountID, 900, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(900), acc.AvailableBalance)

	got, err := f.svc.Sync(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, int64(900), got.AvailableBalance)
	require.Equal(t, int64(1000), got.CurrentBalance)

	resp := f.authorize(t, card.ID, models.TransactionTypePurchase, 950)
	require.False(t, resp.Approved())
	require.Equal(t, models.DeclineInsufficientBalance, resp.Decline)

	// a lower external balance is never topped back up to the issue-time figure
	_, err = f.svc.SetAccountBalance(ctx, card.AccountID, 500, 500)
	require.NoError(t, err)
	got, err = f.svc.Sync(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), got.AvailableBalance)

	_, err = f.svc.SetAccountBalance(ctx, "missing", 1, 1)
	require.ErrorIs(t, err, models.ErrAccountNotFound)
	_, err = f.svc.SetAccountBalance(ctx, card.AccountID, -1, 0)
	require.ErrorIs(t, err, models.ErrInvalidRequest)
	_, err = f.svc.SetAccountBalance(ctx, card.AccountID, 10, 5)
	require.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestService_ConcurrentAuthorizations(t *testing.T) {
	f := newLedger(t)
	card := f.card(t, 1000, &models.Limits{Spending: 100000, Daily: 100000, Monthly: 100000, PerTransaction: 100})

	var wg sync.WaitGroup
	var mu sync.Mutex
	approved := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.svc.Authorize(context.Background(), models.AuthorizationRequest{CardID: card.ID, Type: models.TransactionTypePurchase, Amount: 30})
			if err != nil || !resp.Approved() {
				return
			}
			mu.Lock()
			approved++
			mu.Unlock()
		}()
	}
	wg.Wait()

	got, err := f.svc.GetCard(context.Background(), card.ID)
	require.NoError(t, err)
	require.Equal(t, 33, approved)
	require.Equal(t, int64(10), got.AvailableBalance)
	require.Equal(t, int64(990), got.TotalSpent)
	require.Equal(t, int64(33), got.TransactionCount)
}

func TestService_StateTransitions(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	card := f.card(t, 1000, nil)

	got, err := f.svc.Freeze(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardStatusFrozen, got.Status)

	// idempotent when the target already holds
	got, err = f.svc.Freeze(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardStatusFrozen, got.Status)

	got, err = f.svc.Unfreeze(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardStatusActive, got.Status)

	got, err = f.svc.Cancel(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardStatusCancelled, got.Status)

	_, err = f.svc.Activate(ctx, card.ID)
	require.ErrorIs(t, err, models.ErrInvalidState)
	_, err = f.svc.Unfreeze(ctx, card.ID)
	require.ErrorIs(t, err, models.ErrInvalidState)
	_, err = f.svc.Freeze(ctx, card.ID)
	require.ErrorIs(t, err, models.ErrInvalidState)
	_, err = f.svc.UpdateLimits(ctx, card.ID, models.Limits{})
	require.ErrorIs(t, err, models.ErrInvalidState)

	got, err = f.svc.Cancel(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardStatusCancelled, got.Status)

	_, err = f.svc.Freeze(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestService_LazyExpiry(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	card := f.card(t, 1000, nil)
	other := f.card(t, 1000, nil)

	f.clock.Advance(card.ExpiresAt.Sub(issuedAt) + time.Second)

	resp := f.authorize(t, card.ID, models.TransactionTypePurchase, 10)
	require.False(t, resp.Approved())
	require.Equal(t, models.DeclineCardNotActive, resp.Decline)
	require.Equal(t, models.ApprovalCodeExpiredCard, resp.ApprovalCode)

	got, err := f.svc.GetCard(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardStatusExpired, got.Status)

	_, err = f.svc.Activate(ctx, card.ID)
	require.ErrorIs(t, err, models.ErrInvalidState)

	// the sweep picks up the card nobody touched
	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err = f.svc.GetCard(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardStatusExpired, got.Status)
}

func TestService_ExpiryFollowsExpiryMonth(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	card := f.card(t, 1000, nil)
	require.Equal(t, "3106", card.ExpirationDate)

	// the whole expiry month is still valid
	f.clock.Advance(time.Date(2031, 6, 30, 23, 59, 59, 999999999, time.UTC).Sub(issuedAt))
	got, err := f.svc.GetCard(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardStatusActive, got.Status)

	f.clock.Advance(time.Nanosecond)
	got, err = f.svc.GetCard(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardStatusExpired, got.Status)

	// a restored record is judged by its YYMM, not a stale instant
	restored := newLedger(t)
	acc := &models.Account{ID: "acc-1", Currency: "USD", AvailableBalance: 100, TotalBalance: 100}
	stale := &models.Card{
		ID:             "card-1",
		AccountID:      acc.ID,
		MaskedPAN:      "**** **** **** 4242",
		Last4:          "4242",
		Currency:       "USD",
		Status:         models.CardStatusActive,
		ExpirationDate: "3012",
		Limits:         models.Limits{Spending: 100, Daily: 100, Monthly: 100, PerTransaction: 100},
	}
	require.NoError(t, restored.svc.Restore(ctx, &issuer.Ledger{Accounts: []*models.Account{acc}, Cards: []*models.Card{stale}}))

	got, err = restored.svc.GetCard(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardStatusActive, got.Status)

	n, err := restored.svc.ExpireDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestService_Reverse(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	card := f.card(t, 1000, nil)

	resp := f.authorize(t, card.ID, models.TransactionTypePurchase, 300)
	require.True(t, resp.Approved())

	reversal, err := f.svc.Reverse(ctx, resp.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, models.TransactionStatusReversed, reversal.Status)
	require.Equal(t, resp.Transaction.ID, reversal.ReversalOf)

	got, err := f.svc.GetCard(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), got.AvailableBalance)
	require.Equal(t, int64(0), got.TotalSpent)

	// the original stays untouched in the log
	txs, err := f.svc.ListTransactions(ctx, card.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, models.TransactionStatusCompleted, txs[0].Status)

	_, err = f.svc.Reverse(ctx, resp.Transaction.ID)
	require.ErrorIs(t, err, models.ErrInvalidState)

	_, err = f.svc.Reverse(ctx, reversal.ID)
	require.ErrorIs(t, err, models.ErrInvalidState)

	_, err = f.svc.Reverse(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)

	// the reversed amount no longer counts against the daily limit
	_, err = f.svc.UpdateLimits(ctx, card.ID, models.Limits{Spending: 1000, Daily: 300, Monthly: 1000, PerTransaction: 300})
	require.NoError(t, err)
	require.True(t, f.authorize(t, card.ID, models.TransactionTypePurchase, 300).Approved())
}

func TestService_PIN(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	card := f.card(t, 1000, nil)

	_, err := f.svc.VerifyPIN(ctx, card.ID, "1234")
	require.ErrorIs(t, err, models.ErrInvalidState)

	require.ErrorIs(t, f.svc.SetPIN(ctx, card.ID, "12a4"), models.ErrInvalidRequest)
	require.NoError(t, f.svc.SetPIN(ctx, card.ID, "4321"))

	ok, err := f.svc.VerifyPIN(ctx, card.ID, "4321")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.VerifyPIN(ctx, card.ID, "1234")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestService_Purge(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	card := f.card(t, 1000, nil)
	require.True(t, f.authorize(t, card.ID, models.TransactionTypePurchase, 100).Approved())

	var purged []string
	f.svc.OnPurge(func(_ context.Context, cardID string) error {
		purged = append(purged, cardID)
		return nil
	})

	require.ErrorIs(t, f.svc.Purge(ctx, card.ID), models.ErrInvalidState)

	_, err := f.svc.Cancel(ctx, card.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Purge(ctx, card.ID))
	require.Equal(t, []string{card.ID}, purged)

	_, err = f.svc.GetCard(ctx, card.ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	all, err := f.repo.ListTransactions(ctx, "")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestService_ExportRestore(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	card := f.card(t, 1000, nil)
	require.True(t, f.authorize(t, card.ID, models.TransactionTypePurchase, 100).Approved())

	ledger, err := f.svc.Export(ctx)
	require.NoError(t, err)
	require.Len(t, ledger.Accounts, 1)
	require.Len(t, ledger.Cards, 1)
	require.Len(t, ledger.Transactions, 1)

	// a restored card keeps its number so uniqueness checks still hold
	for _, c := range ledger.Cards {
		c.PAN = ""
	}
	restored := newLedger(t)
	require.NoError(t, restored.svc.Restore(ctx, ledger))

	got, err := restored.svc.GetCard(ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, card.PAN, got.PAN)
	require.Equal(t, int64(900), got.AvailableBalance)

	exists, err := restored.repo.ExistsCardNumber(ctx, card.PAN)
	require.NoError(t, err)
	require.True(t, exists)
}
