package issuer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"golang.org/x/exp/slog"

	"github.com/alovak/virtualcard/internal/cardgen"
	"github.com/alovak/virtualcard/internal/expiry"
	"github.com/alovak/virtualcard/internal/keylock"
	"github.com/alovak/virtualcard/internal/provider"
	"github.com/alovak/virtualcard/internal/security"
	"github.com/alovak/virtualcard/issuer/models"
)

// BalanceSource resolves the external account a card is bound to. The
// ledger only reads it.
type BalanceSource interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
}

// IssuingProvider creates cards at an external issuer.
type IssuingProvider interface {
	CreateCard(ctx context.Context, accountRef, holderName string, limit int64) (*provider.ExternalCardHandle, error)
}

// PurgeHook runs after a card is purged so that other stores can drop
// records referencing it.
type PurgeHook func(ctx context.Context, cardID string) error

const uniqueRetries = 10

// Service is the card ledger. Every mutation of a card runs under the
// card's lock, so check-then-write sequences are atomic per card.
type Service struct {
	repo      *Repository
	cfg       *Config
	balances  BalanceSource
	generator *cardgen.Generator
	cvv       security.CVVProvider
	box       security.SealedBox
	expiry    expiry.Policy
	clock     clockz.Clock
	locks     *keylock.Set
	logger    *slog.Logger
	provider  IssuingProvider
	onPurge   []PurgeHook
}

type ServiceOption func(*Service)

func WithBalanceSource(src BalanceSource) ServiceOption {
	return func(s *Service) { s.balances = src }
}

func WithGenerator(g *cardgen.Generator) ServiceOption {
	return func(s *Service) { s.generator = g }
}

func WithCVVProvider(p security.CVVProvider) ServiceOption {
	return func(s *Service) { s.cvv = p }
}

func WithSealedBox(box security.SealedBox) ServiceOption {
	return func(s *Service) { s.box = box }
}

func WithExpiryPolicy(p expiry.Policy) ServiceOption {
	return func(s *Service) { s.expiry = p }
}

func WithClock(clock clockz.Clock) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

func WithIssuingProvider(p IssuingProvider) ServiceOption {
	return func(s *Service) { s.provider = p }
}

func NewService(repo *Repository, cfg *Config, opts ...ServiceOption) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Service{
		repo:     repo,
		cfg:      cfg,
		balances: repo,
		clock:    clockz.RealClock,
		locks:    keylock.New(),
		logger:   slog.Default(),
		expiry:   expiry.Policy{ProductYears: cfg.ProductYears},
	}
	if cfg.ExpiryTZ != "" {
		loc, err := time.LoadLocation(cfg.ExpiryTZ)
		if err != nil {
			s.logger.Info("invalid ExpiryTZ; using default UTC", slog.String("tz", cfg.ExpiryTZ), slog.Any("err", err))
		} else {
			s.expiry.Location = loc
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.generator == nil {
		s.generator = cardgen.NewGenerator(cardgen.DefaultIssuerRanges(), cardgen.WithLogger(s.logger))
	}
	if s.cvv == nil {
		s.cvv = security.NewHMACProvider([]byte(cfg.CVKKey))
	}
	if s.box == nil {
		ring, err := security.NewKeyRing([]byte(cfg.SealMasterKey))
		if err != nil {
			panic(fmt.Sprintf("issuer: sealed box: %v", err))
		}
		s.box = ring
	}
	return s
}

// OnPurge registers a hook run after every successful Purge.
func (i *Service) OnPurge(hook PurgeHook) {
	i.onPurge = append(i.onPurge, hook)
}

func (i *Service) CreateAccount(ctx context.Context, req models.CreateAccount) (*models.Account, error) {
	if req.Balance < 0 || req.Currency == "" {
		return nil, fmt.Errorf("balance must be non-negative and currency set: %w", models.ErrInvalidRequest)
	}
	account := &models.Account{
		ID:               uuid.New().String(),
		AvailableBalance: req.Balance,
		TotalBalance:     req.Balance,
		Currency:         strings.ToUpper(req.Currency),
		KYCVerified:      req.KYCVerified,
		AMLCleared:       req.AMLCleared,
	}

	err := i.repo.CreateAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}

	return account, nil
}

func (i *Service) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := i.balances.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("finding account: %w", err)
	}

	return account, nil
}

// SetAccountBalance records new balances on an account held by the
// built-in balance source, standing in for the core banking system moving
// money. Cards see the new figures on their next Sync.
func (i *Service) SetAccountBalance(ctx context.Context, accountID string, available, total int64) (*models.Account, error) {
	if available < 0 || total < available {
		return nil, fmt.Errorf("balances must satisfy 0 <= available <= total: %w", models.ErrInvalidRequest)
	}
	err := i.repo.SetAccountBalance(ctx, accountID, available, total)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", accountID, models.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("updating account: %w", err)
	}
	account, err := i.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("finding account: %w", err)
	}
	i.logger.Info("account balance set", slog.String("account_id", accountID), slog.Int64("available", available))
	return account, nil
}

func (i *Service) resolveAccount(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := i.balances.GetAccount(ctx, accountID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", accountID, models.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding account: %w", err)
	}
	return account, nil
}

// IssueCard creates an active card bound to the account in req.
func (i *Service) IssueCard(ctx context.Context, req models.IssueCardRequest) (*models.IssuedCard, error) {
	account, err := i.resolveAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	network := req.Network
	if network == "" {
		network = cardgen.ParseNetwork(i.cfg.DefaultNetwork)
	}
	tier := req.Tier
	if tier == "" {
		tier = cardgen.TierStandard
	}
	category := req.Category
	if category == "" {
		category = models.Category(i.cfg.CardProduct)
	}
	if !category.Valid() {
		return nil, fmt.Errorf("category %q: %w", category, models.ErrInvalidRequest)
	}

	limits := i.defaultLimits(account.AvailableBalance)
	if req.Limits != nil {
		if !req.Limits.Valid() {
			return nil, fmt.Errorf("limits must not be negative: %w", models.ErrInvalidRequest)
		}
		limits = *req.Limits
	}

	var sealedPIN string
	if req.PIN != "" {
		if sealedPIN, err = i.sealPIN(req.PIN); err != nil {
			return nil, err
		}
	}

	now := i.clock.Now()
	years := i.expiry.YearsForProduct(string(category), req.ValidityYears)
	expYYMM := i.expiry.YYMM(now, years)
	ranges := i.generator.Ranges()

	exists := func(pan string) (bool, error) { return i.repo.ExistsCardNumber(ctx, pan) }
	for attempt := 0; attempt < 5; attempt++ {
		pan, err := i.generator.GenerateUnique(network, tier, uniqueRetries, exists)
		if err != nil {
			if errors.Is(err, cardgen.ErrUnknownRange) {
				return nil, fmt.Errorf("generating pan: %v: %w", err, models.ErrInvalidRequest)
			}
			return nil, fmt.Errorf("generating pan: %w", err)
		}

		cvv, err := i.cvv.ComputeCVV2(pan[:len(pan)-1], expYYMM, security.ServiceCodeDefault, ranges.CVVLength(network))
		if err != nil {
			return nil, fmt.Errorf("computing cvv: %w", err)
		}
		sealedCVV, err := i.box.Seal(security.KeyCVV, []byte(cvv))
		if err != nil {
			return nil, fmt.Errorf("sealing cvv: %w", err)
		}
		sealedPAN, err := i.box.Seal(security.KeyPAN, []byte(pan))
		if err != nil {
			return nil, fmt.Errorf("sealing pan: %w", err)
		}

		activated := now
		card := &models.Card{
			ID:               uuid.New().String(),
			AccountID:        account.ID,
			PAN:              pan,
			SealedPAN:        sealedPAN,
			MaskedPAN:        cardgen.Mask(pan),
			Last4:            cardgen.LastN(pan, 4),
			Network:          network,
			Tier:             tier,
			Category:         category,
			Source:           models.CardSourceGenerated,
			CardholderName:   req.CardholderName,
			Currency:         account.Currency,
			Limits:           limits,
			AvailableBalance: account.AvailableBalance,
			CurrentBalance:   account.TotalBalance,
			Status:           models.CardStatusActive,
			ExpirationDate:   expYYMM,
			SealedCVV:        sealedCVV,
			SealedPIN:        sealedPIN,
			ThreeDSecure:     boolOr(req.ThreeDSecure, true),
			Contactless:      boolOr(req.Contactless, true),
			CreatedAt:        now,
			ActivatedAt:      &activated,
			ExpiresAt:        i.expiry.ExpiresAt(now, years),
		}
		err = i.repo.CreateCard(ctx, card)
		if err == nil {
			i.logger.Info("card issued",
				slog.String("card_id", card.ID),
				slog.String("account_id", card.AccountID),
				slog.String("pan", card.MaskedPAN),
				slog.String("network", string(network)),
			)
			return &models.IssuedCard{Card: card, CVV: cvv}, nil
		}
		if errors.Is(err, models.ErrConflict) {
			// regenerate and try again
			continue
		}
		return nil, fmt.Errorf("creating card: %w", err)
	}
	return nil, fmt.Errorf("could not create unique card after retries: %w", models.ErrConflict)
}

// IssueExternal stores a card created by the issuing provider. The ledger
// never sees its PAN, only the provider's reference and last 4 digits.
func (i *Service) IssueExternal(ctx context.Context, accountID, holderName string, limit int64) (*models.Card, error) {
	if i.provider == nil {
		return nil, fmt.Errorf("no issuing provider configured: %w", models.ErrInvalidRequest)
	}
	if limit < 0 {
		return nil, fmt.Errorf("limit must not be negative: %w", models.ErrInvalidRequest)
	}
	account, err := i.resolveAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	handle, err := i.provider.CreateCard(ctx, account.ID, holderName, limit)
	if err != nil {
		return nil, fmt.Errorf("issuing provider: %w", err)
	}

	now := i.clock.Now()
	expiresAt, err := i.expiry.EndOfMonth(handle.ExpiryYYMM)
	if err != nil {
		years := i.expiry.YearsForProduct(i.cfg.CardProduct, 0)
		handle.ExpiryYYMM = i.expiry.YYMM(now, years)
		expiresAt = i.expiry.ExpiresAt(now, years)
	}
	network := cardgen.ParseNetwork(handle.Network)
	activated := now
	card := &models.Card{
		ID:               uuid.New().String(),
		AccountID:        account.ID,
		MaskedPAN:        "**** **** **** " + handle.Last4,
		Last4:            handle.Last4,
		Network:          network,
		Tier:             cardgen.TierStandard,
		Category:         models.Category(i.cfg.CardProduct),
		Source:           models.CardSourceExternal,
		ExternalRef:      handle.ID,
		CardholderName:   holderName,
		Currency:         account.Currency,
		Limits:           models.Limits{Spending: limit, Daily: limit, Monthly: limit, PerTransaction: limit},
		AvailableBalance: account.AvailableBalance,
		CurrentBalance:   account.TotalBalance,
		Status:           models.CardStatusActive,
		ExpirationDate:   handle.ExpiryYYMM,
		ThreeDSecure:     true,
		CreatedAt:        now,
		ActivatedAt:      &activated,
		ExpiresAt:        expiresAt,
	}
	if err := i.repo.CreateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("creating card: %w", err)
	}
	i.logger.Info("external card stored", slog.String("card_id", card.ID), slog.String("external_ref", handle.ID))
	return card, nil
}

func (i *Service) defaultLimits(balance int64) models.Limits {
	if balance < 0 {
		balance = 0
	}
	return models.Limits{
		Spending:       min(balance, i.cfg.SpendingLimitCap),
		Daily:          min(balance, i.cfg.DailyLimitCap),
		Monthly:        min(balance, i.cfg.MonthlyLimitCap),
		PerTransaction: min(balance, i.cfg.PerTransactionLimitCap),
	}
}

func (i *Service) sealPIN(pin string) (string, error) {
	if len(pin) < 4 || len(pin) > 6 || !cardgen.IsDigits(pin) {
		return "", fmt.Errorf("pin must be 4-6 digits: %w", models.ErrInvalidRequest)
	}
	sealed, err := i.box.Seal(security.KeyPIN, []byte(pin))
	if err != nil {
		return "", fmt.Errorf("sealing pin: %w", err)
	}
	return sealed, nil
}

// load reads a card and applies lazy expiry. Callers hold the card lock.
func (i *Service) load(ctx context.Context, cardID string) (*models.Card, error) {
	card, err := i.repo.GetCard(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("finding card %s: %w", cardID, err)
	}
	if i.pastExpiry(card, i.clock.Now()) {
		card.Status = models.CardStatusExpired
		if err := i.repo.UpdateCard(ctx, card); err != nil {
			return nil, fmt.Errorf("expiring card: %w", err)
		}
		i.logger.Info("card expired", slog.String("card_id", card.ID))
	}
	return card, nil
}

// pastExpiry reports whether a non-terminal card is past the end of its
// expiry month. ExpiresAt is only consulted for a malformed YYMM.
func (i *Service) pastExpiry(card *models.Card, now time.Time) bool {
	if card.Status.Terminal() {
		return false
	}
	expired, err := i.expiry.IsExpired(card.ExpirationDate, now)
	if err != nil {
		return now.After(card.ExpiresAt)
	}
	return expired
}

func (i *Service) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	unlock := i.locks.Lock(cardID)
	defer unlock()
	return i.load(ctx, cardID)
}

func (i *Service) ListCards(ctx context.Context, accountID string) ([]*models.Card, error) {
	cards, err := i.repo.ListCards(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	now := i.clock.Now()
	for _, c := range cards {
		if i.pastExpiry(c, now) {
			// reload under lock so the transition is persisted once
			fresh, err := i.GetCard(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			*c = *fresh
		}
	}
	return cards, nil
}

// Authorize applies a purchase, withdrawal, transfer, fee or refund to a
// card. A decline is returned as a response with the card untouched; an
// error means the card is unknown or the store failed.
func (i *Service) Authorize(ctx context.Context, req models.AuthorizationRequest) (models.AuthorizationResponse, error) {
	if !req.Type.Valid() {
		return models.AuthorizationResponse{}, fmt.Errorf("transaction type %q: %w", req.Type, models.ErrInvalidRequest)
	}

	unlock := i.locks.Lock(req.CardID)
	defer unlock()

	card, err := i.load(ctx, req.CardID)
	if err != nil {
		return models.AuthorizationResponse{}, err
	}

	now := i.clock.Now()
	decline, err := i.check(ctx, card, req, now)
	if err != nil {
		return models.AuthorizationResponse{}, err
	}
	if decline != "" {
		code := decline.ApprovalCode()
		if decline == models.DeclineCardNotActive && card.Status == models.CardStatusExpired {
			code = models.ApprovalCodeExpiredCard
		}
		i.logger.Info("authorization declined",
			slog.String("card_id", card.ID),
			slog.String("type", string(req.Type)),
			slog.Int64("amount", req.Amount),
			slog.String("reason", string(decline)),
		)
		return models.AuthorizationResponse{ApprovalCode: code, Decline: decline}, nil
	}

	if req.Type.IsDebit() {
		card.AvailableBalance -= req.Amount
		card.TotalSpent += req.Amount
	} else {
		card.AvailableBalance += req.Amount
		card.TotalSpent = max(card.TotalSpent-req.Amount, 0)
	}
	card.TransactionCount++
	card.LastUsedAt = &now

	transaction := &models.Transaction{
		ID:                uuid.New().String(),
		CardID:            card.ID,
		AccountID:         card.AccountID,
		Type:              req.Type,
		Amount:            req.Amount,
		Currency:          card.Currency,
		Status:            models.TransactionStatusCompleted,
		Reference:         req.Reference,
		Merchant:          req.Merchant,
		ApprovalCode:      models.ApprovalCodeApproved,
		AuthorizationCode: generateAuthorizationCode(),
		CreatedAt:         now,
	}
	if err := i.repo.RecordTransaction(ctx, card, transaction); err != nil {
		return models.AuthorizationResponse{}, fmt.Errorf("recording transaction: %w", err)
	}

	return models.AuthorizationResponse{
		AuthorizationCode: transaction.AuthorizationCode,
		ApprovalCode:      transaction.ApprovalCode,
		Transaction:       transaction,
	}, nil
}

// check runs the authorization rules in order and returns the first
// failing one. Card state always comes first, then amount and currency,
// then per-transaction limit and balance, then the period and lifetime
// limits.
func (i *Service) check(ctx context.Context, card *models.Card, req models.AuthorizationRequest, now time.Time) (models.DeclineReason, error) {
	debit := req.Type.IsDebit()
	if debit && card.Status != models.CardStatusActive {
		return models.DeclineCardNotActive, nil
	}
	// refunds only need a card that can still receive money
	if !debit && card.Status.Terminal() {
		return models.DeclineCardNotActive, nil
	}
	if req.Amount <= 0 {
		return models.DeclineInvalidAmount, nil
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, card.Currency) {
		return models.DeclineCurrencyMismatch, nil
	}
	if !debit {
		return "", nil
	}

	if req.Type != models.TransactionTypeFee && req.Amount > card.Limits.PerTransaction {
		return models.DeclineExceedsPerTransactionLimit, nil
	}
	if req.Amount > card.AvailableBalance {
		return models.DeclineInsufficientBalance, nil
	}

	utc := now.UTC()
	dayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	spentToday, err := i.repo.NetSpendSince(ctx, card.ID, dayStart)
	if err != nil {
		return "", fmt.Errorf("daily spend: %w", err)
	}
	if max(spentToday, 0)+req.Amount > card.Limits.Daily {
		return models.DeclineExceedsDailyLimit, nil
	}
	monthStart := time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
	spentMonth, err := i.repo.NetSpendSince(ctx, card.ID, monthStart)
	if err != nil {
		return "", fmt.Errorf("monthly spend: %w", err)
	}
	if max(spentMonth, 0)+req.Amount > card.Limits.Monthly {
		return models.DeclineExceedsMonthlyLimit, nil
	}
	if card.TotalSpent+req.Amount > card.Limits.Spending {
		return models.DeclineExceedsSpendingLimit, nil
	}
	return "", nil
}

// Reverse appends a compensating record for a completed transaction and
// applies the inverse balance effect. The original is never edited and
// can be reversed once.
func (i *Service) Reverse(ctx context.Context, txID string) (*models.Transaction, error) {
	original, err := i.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("finding transaction %s: %w", txID, err)
	}
	if original.Status != models.TransactionStatusCompleted {
		return nil, fmt.Errorf("transaction %s is %s: %w", txID, original.Status, models.ErrInvalidState)
	}

	unlock := i.locks.Lock(original.CardID)
	defer unlock()

	reversed, err := i.repo.HasReversal(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("checking reversal: %w", err)
	}
	if reversed {
		return nil, fmt.Errorf("transaction %s already reversed: %w", txID, models.ErrInvalidState)
	}

	card, err := i.load(ctx, original.CardID)
	if err != nil {
		return nil, err
	}
	if original.Type.IsDebit() {
		card.AvailableBalance += original.Amount
		card.TotalSpent = max(card.TotalSpent-original.Amount, 0)
	} else {
		if card.AvailableBalance < original.Amount {
			return nil, fmt.Errorf("reversing refund would overdraw card: %w", models.ErrInvalidState)
		}
		card.AvailableBalance -= original.Amount
		card.TotalSpent += original.Amount
	}

	now := i.clock.Now()
	reversal := &models.Transaction{
		ID:                uuid.New().String(),
		CardID:            original.CardID,
		AccountID:         original.AccountID,
		Type:              original.Type,
		Amount:            original.Amount,
		Currency:          original.Currency,
		Status:            models.TransactionStatusReversed,
		Reference:         original.Reference,
		ReversalOf:        original.ID,
		Merchant:          original.Merchant,
		ApprovalCode:      models.ApprovalCodeApproved,
		AuthorizationCode: original.AuthorizationCode,
		CreatedAt:         now,
	}
	if err := i.repo.RecordTransaction(ctx, card, reversal); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, fmt.Errorf("transaction %s already reversed: %w", txID, models.ErrInvalidState)
		}
		return nil, fmt.Errorf("recording reversal: %w", err)
	}
	i.logger.Info("transaction reversed", slog.String("tx_id", txID), slog.String("reversal_id", reversal.ID))
	return reversal, nil
}

// transition moves a card to target when its current status is in from.
// Reaching a status the card already has is a no-op.
func (i *Service) transition(ctx context.Context, cardID string, target models.CardStatus, from ...models.CardStatus) (*models.Card, error) {
	unlock := i.locks.Lock(cardID)
	defer unlock()

	card, err := i.load(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status == target {
		return card, nil
	}
	allowed := false
	for _, s := range from {
		if card.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("card %s is %s, cannot become %s: %w", cardID, card.Status, target, models.ErrInvalidState)
	}

	prev := card.Status
	card.Status = target
	if target == models.CardStatusActive && card.ActivatedAt == nil {
		now := i.clock.Now()
		card.ActivatedAt = &now
	}
	if err := i.repo.UpdateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("updating card: %w", err)
	}
	i.logger.Info("card status changed",
		slog.String("card_id", cardID),
		slog.String("from", string(prev)),
		slog.String("to", string(target)),
	)
	return card, nil
}

func (i *Service) Freeze(ctx context.Context, cardID string) (*models.Card, error) {
	return i.transition(ctx, cardID, models.CardStatusFrozen, models.CardStatusActive)
}

func (i *Service) Activate(ctx context.Context, cardID string) (*models.Card, error) {
	return i.transition(ctx, cardID, models.CardStatusActive, models.CardStatusInactive, models.CardStatusFrozen)
}

func (i *Service) Unfreeze(ctx context.Context, cardID string) (*models.Card, error) {
	return i.Activate(ctx, cardID)
}

// Cancel is irreversible: nothing leaves cancelled.
func (i *Service) Cancel(ctx context.Context, cardID string) (*models.Card, error) {
	return i.transition(ctx, cardID, models.CardStatusCancelled,
		models.CardStatusActive, models.CardStatusInactive, models.CardStatusFrozen)
}

// Sync pulls a fresh balance snapshot from the balance source. The account
// is authoritative: the ledger never debits it, so spending only stays
// spent across a Sync once the core banking side has booked it.
func (i *Service) Sync(ctx context.Context, cardID string) (*models.Card, error) {
	unlock := i.locks.Lock(cardID)
	defer unlock()

	card, err := i.load(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status.Terminal() {
		return nil, fmt.Errorf("card %s is %s: %w", cardID, card.Status, models.ErrInvalidState)
	}
	account, err := i.resolveAccount(ctx, card.AccountID)
	if err != nil {
		return nil, err
	}
	card.AvailableBalance = account.AvailableBalance
	card.CurrentBalance = account.TotalBalance
	if err := i.repo.UpdateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("updating card: %w", err)
	}
	return card, nil
}

func (i *Service) UpdateLimits(ctx context.Context, cardID string, limits models.Limits) (*models.Card, error) {
	if !limits.Valid() {
		return nil, fmt.Errorf("limits must not be negative: %w", models.ErrInvalidRequest)
	}
	unlock := i.locks.Lock(cardID)
	defer unlock()

	card, err := i.load(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status.Terminal() {
		return nil, fmt.Errorf("card %s is %s: %w", cardID, card.Status, models.ErrInvalidState)
	}
	card.Limits = limits
	if err := i.repo.UpdateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("updating card: %w", err)
	}
	return card, nil
}

// SetCardholderName sets the embossed name after issuance, for example once
// the account is linked to its owner.
func (i *Service) SetCardholderName(ctx context.Context, cardID, name string) (*models.Card, error) {
	name = strings.ToUpper(strings.Join(strings.Fields(name), " "))
	if name == "" {
		return nil, fmt.Errorf("cardholder name is required: %w", models.ErrInvalidRequest)
	}
	unlock := i.locks.Lock(cardID)
	defer unlock()

	card, err := i.load(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status.Terminal() {
		return nil, fmt.Errorf("card %s is %s: %w", cardID, card.Status, models.ErrInvalidState)
	}
	card.CardholderName = name
	if err := i.repo.UpdateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("updating card: %w", err)
	}
	return card, nil
}

func (i *Service) SetPIN(ctx context.Context, cardID, pin string) error {
	sealed, err := i.sealPIN(pin)
	if err != nil {
		return err
	}
	unlock := i.locks.Lock(cardID)
	defer unlock()

	card, err := i.load(ctx, cardID)
	if err != nil {
		return err
	}
	if card.Status.Terminal() {
		return fmt.Errorf("card %s is %s: %w", cardID, card.Status, models.ErrInvalidState)
	}
	card.SealedPIN = sealed
	if err := i.repo.UpdateCard(ctx, card); err != nil {
		return fmt.Errorf("updating card: %w", err)
	}
	return nil
}

// VerifyPIN opens the sealed PIN and compares it with pin.
func (i *Service) VerifyPIN(ctx context.Context, cardID, pin string) (bool, error) {
	card, err := i.GetCard(ctx, cardID)
	if err != nil {
		return false, err
	}
	if card.SealedPIN == "" {
		return false, fmt.Errorf("card %s has no pin: %w", cardID, models.ErrInvalidState)
	}
	plain, err := i.box.Open(security.KeyPIN, card.SealedPIN)
	if err != nil {
		return false, fmt.Errorf("opening pin: %w", err)
	}
	defer security.Wipe(plain)
	return string(plain) == pin, nil
}

// Purge deletes a cancelled or expired card with its transaction log and
// runs the purge hooks.
func (i *Service) Purge(ctx context.Context, cardID string) error {
	unlock := i.locks.Lock(cardID)
	defer unlock()

	card, err := i.load(ctx, cardID)
	if err != nil {
		return err
	}
	if !card.Status.Terminal() {
		return fmt.Errorf("card %s is %s, cancel it first: %w", cardID, card.Status, models.ErrInvalidState)
	}
	if err := i.repo.DeleteCard(ctx, cardID); err != nil {
		return fmt.Errorf("deleting card: %w", err)
	}
	for _, hook := range i.onPurge {
		if err := hook(ctx, cardID); err != nil {
			i.logger.Error("purge hook", slog.String("card_id", cardID), slog.Any("err", err))
		}
	}
	i.logger.Info("card purged", slog.String("card_id", cardID))
	return nil
}

// ListTransactions returns a list of transactions for the given card ID.
func (i *Service) ListTransactions(ctx context.Context, cardID string) ([]*models.Transaction, error) {
	if _, err := i.repo.GetCard(ctx, cardID); err != nil {
		return nil, fmt.Errorf("finding card %s: %w", cardID, err)
	}
	transactions, err := i.repo.ListTransactions(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}

	return transactions, nil
}

// ExpireDue moves every overdue non-terminal card to expired and returns
// how many it changed.
func (i *Service) ExpireDue(ctx context.Context) (int, error) {
	ids, err := i.repo.ListExpiredCardIDs(ctx, i.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("listing expired cards: %w", err)
	}
	n := 0
	for _, id := range ids {
		card, err := i.GetCard(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if card.Status == models.CardStatusExpired {
			n++
		}
	}
	return n, nil
}

// Ledger is the full content of the card ledger, as written to and read
// from a snapshot.
type Ledger struct {
	Accounts     []*models.Account
	Cards        []*models.Card
	Transactions []*models.Transaction
}

// Restore loads a ledger into an empty store. Sealed PANs are opened so
// that uniqueness checks keep working.
func (i *Service) Restore(ctx context.Context, ledger *Ledger) error {
	for _, a := range ledger.Accounts {
		if err := i.repo.CreateAccount(ctx, a); err != nil {
			return fmt.Errorf("restoring account %s: %w", a.ID, err)
		}
	}
	for _, c := range ledger.Cards {
		if c.PAN == "" && c.SealedPAN != "" {
			pan, err := i.box.Open(security.KeyPAN, c.SealedPAN)
			if err != nil {
				return fmt.Errorf("opening pan of card %s: %w", c.ID, err)
			}
			c.PAN = string(pan)
		}
		if err := i.repo.CreateCard(ctx, c); err != nil {
			return fmt.Errorf("restoring card %s: %w", c.ID, err)
		}
	}
	for _, t := range ledger.Transactions {
		if err := i.repo.CreateTransaction(ctx, t); err != nil {
			return fmt.Errorf("restoring transaction %s: %w", t.ID, err)
		}
	}
	return nil
}

// Export returns every account, card and transaction.
func (i *Service) Export(ctx context.Context) (*Ledger, error) {
	accounts, err := i.repo.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	cards, err := i.repo.ListCards(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	transactions, err := i.repo.ListTransactions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return &Ledger{Accounts: accounts, Cards: cards, Transactions: transactions}, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func generateAuthorizationCode() string {
	code, err := cardgen.RandomDigits(6)
	if err != nil {
		return "000000"
	}
	return code
}
