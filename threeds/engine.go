package threeds

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"golang.org/x/exp/slog"

	"github.com/alovak/virtualcard/internal/cardgen"
	"github.com/alovak/virtualcard/internal/keylock"
	"github.com/alovak/virtualcard/internal/notify"
	"github.com/alovak/virtualcard/internal/security"
	"github.com/alovak/virtualcard/threeds/models"
)

// CardLookup reads the card fields a challenge needs.
type CardLookup interface {
	LookupCard(ctx context.Context, cardID string) (models.CardInfo, error)
}

// CardLookupFunc adapts a function to CardLookup.
type CardLookupFunc func(ctx context.Context, cardID string) (models.CardInfo, error)

func (f CardLookupFunc) LookupCard(ctx context.Context, cardID string) (models.CardInfo, error) {
	return f(ctx, cardID)
}

type EngineConfig struct {
	CodeLength  int
	TTL         time.Duration
	MaxAttempts int
	MaxResends  int
	BcryptCost  int
	// EchoCode returns the plaintext code from Create and Resend.
	EchoCode bool
	CAVVKey  []byte
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CodeLength:  6,
		TTL:         5 * time.Minute,
		MaxAttempts: 3,
		MaxResends:  3,
		CAVVKey:     []byte("dev-cavv-key"),
	}
}

// Engine issues and verifies one-time codes. Mutations of one challenge
// run under the challenge's lock.
type Engine struct {
	repo     *Repository
	cards    CardLookup
	notifier notify.Notifier
	hasher   *security.SecretHasher
	cfg      EngineConfig
	clock    clockz.Clock
	locks    *keylock.Set
	logger   *slog.Logger
}

type EngineOption func(*Engine)

func WithClock(clock clockz.Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(repo *Repository, cards CardLookup, notifier notify.Notifier, cfg EngineConfig, opts ...EngineOption) *Engine {
	def := DefaultEngineConfig()
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = def.CodeLength
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if len(cfg.CAVVKey) == 0 {
		cfg.CAVVKey = def.CAVVKey
	}
	e := &Engine{
		repo:     repo,
		cards:    cards,
		notifier: notifier,
		hasher:   security.NewSecretHasher(cfg.BcryptCost),
		cfg:      cfg,
		clock:    clockz.RealClock,
		locks:    keylock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateChallenge starts a challenge for a card and dispatches the code.
// The destination comes from the request or from the card's stored
// default.
func (e *Engine) CreateChallenge(ctx context.Context, req models.CreateChallengeRequest) (*models.CreatedChallenge, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", models.ErrInvalidRequest)
	}

	card, err := e.cards.LookupCard(ctx, req.CardID)
	if err != nil {
		return nil, fmt.Errorf("finding card %s: %w", req.CardID, err)
	}
	if !card.ThreeDSecure {
		return nil, models.ErrNotEnrolled
	}
	if !card.Active {
		return nil, fmt.Errorf("card %s is not active: %w", req.CardID, models.ErrInvalidState)
	}

	dest, err := e.destination(ctx, req)
	if err != nil {
		return nil, err
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = card.Currency
	}

	code, hash, err := e.newCode()
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	ch := &models.Challenge{
		ID:                uuid.New().String(),
		CardID:            card.ID,
		CardLast4:         card.Last4,
		TransactionID:     req.TransactionID,
		Amount:            req.Amount,
		Currency:          currency,
		Merchant:          req.Merchant,
		Network:           card.Network,
		CodeHash:          hash,
		Channel:           dest.Channel,
		Destination:       dest.Address,
		MaskedDestination: MaskDestination(dest),
		Status:            models.ChallengeStatusPending,
		MaxAttempts:       e.cfg.MaxAttempts,
		CreatedAt:         now,
		ExpiresAt:         now.Add(e.cfg.TTL),
	}
	if ch.TransactionID == "" {
		ch.TransactionID = uuid.New().String()
	}

	unlock := e.locks.Lock(ch.ID)
	defer unlock()

	if err := e.repo.CreateChallenge(ctx, ch); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}
	if err := e.dispatch(ctx, ch, code); err != nil {
		return nil, err
	}

	e.logger.Info("challenge created",
		slog.String("challenge_id", ch.ID),
		slog.String("card_id", ch.CardID),
		slog.String("channel", string(ch.Channel)),
	)
	return e.created(ch, code), nil
}

func (e *Engine) destination(ctx context.Context, req models.CreateChallengeRequest) (models.Destination, error) {
	if req.Destination != nil {
		if err := validateDestination(*req.Destination); err != nil {
			return models.Destination{}, err
		}
		return *req.Destination, nil
	}
	dest, ok, err := e.repo.GetDestination(ctx, req.CardID)
	if err != nil {
		return models.Destination{}, err
	}
	if !ok {
		return models.Destination{}, fmt.Errorf("no destination given and none stored for card: %w", models.ErrInvalidRequest)
	}
	return dest, nil
}

func (e *Engine) newCode() (code, hash string, err error) {
	code, err = cardgen.RandomDigits(e.cfg.CodeLength)
	if err != nil {
		return "", "", fmt.Errorf("generating code: %w", err)
	}
	hash, err = e.hasher.Hash(code)
	if err != nil {
		return "", "", err
	}
	return code, hash, nil
}

// dispatch hands the code to the notifier. A challenge whose code could
// not be delivered is failed.
func (e *Engine) dispatch(ctx context.Context, ch *models.Challenge, code string) error {
	ack, err := e.notifier.Send(ctx, notify.Message{
		Channel:     notify.Channel(ch.Channel),
		Destination: ch.Destination,
		Code:        code,
		Context: notify.Context{
			ChallengeID: ch.ID,
			CardLast4:   ch.CardLast4,
			Amount:      ch.Amount,
			Currency:    ch.Currency,
			Merchant:    ch.Merchant,
			ExpiresAt:   ch.ExpiresAt,
		},
	})
	if err != nil {
		e.logger.Error("code delivery failed", slog.String("challenge_id", ch.ID), slog.Any("err", err))
		ch.Status = models.ChallengeStatusFailed
		if uerr := e.repo.UpdateChallenge(ctx, ch); uerr != nil {
			e.logger.Error("failing challenge", slog.String("challenge_id", ch.ID), slog.Any("err", uerr))
		}
		return fmt.Errorf("%w: %v", models.ErrDelivery, err)
	}
	e.logger.Debug("code delivered", slog.String("challenge_id", ch.ID), slog.String("ack_id", ack.ID))
	return nil
}

func (e *Engine) created(ch *models.Challenge, code string) *models.CreatedChallenge {
	out := &models.CreatedChallenge{Challenge: ch}
	if e.cfg.EchoCode {
		out.Code = code
	}
	return out
}

// load returns a challenge, moving it to expired when it is pending past
// its expiry. The caller holds the challenge lock.
func (e *Engine) load(ctx context.Context, id string) (*models.Challenge, error) {
	ch, err := e.repo.GetChallenge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding challenge %s: %w", id, err)
	}
	if ch.Overdue(e.clock.Now()) {
		ch.Status = models.ChallengeStatusExpired
		if err := e.repo.UpdateChallenge(ctx, ch); err != nil {
			return nil, fmt.Errorf("expiring challenge: %w", err)
		}
		e.logger.Info("challenge expired", slog.String("challenge_id", ch.ID))
	}
	return ch, nil
}

func (e *Engine) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	unlock := e.locks.Lock(id)
	defer unlock()
	return e.load(ctx, id)
}

// Verify checks a code. Terminal outcomes are results, not errors; only a
// challenge that was already verified is an invalid state.
func (e *Engine) Verify(ctx context.Context, id, input string) (models.VerifyResult, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	ch, err := e.load(ctx, id)
	if err != nil {
		return models.VerifyResult{}, err
	}
	result := models.VerifyResult{ChallengeID: ch.ID}

	switch ch.Status {
	case models.ChallengeStatusVerified:
		return result, fmt.Errorf("challenge %s already verified: %w", id, models.ErrInvalidState)
	case models.ChallengeStatusExpired:
		result.Status = models.VerifyExpired
		return result, nil
	case models.ChallengeStatusFailed:
		result.Status = models.VerifyRejected
		return result, nil
	}

	if ch.Attempts >= ch.MaxAttempts {
		ch.Status = models.ChallengeStatusFailed
		if err := e.repo.UpdateChallenge(ctx, ch); err != nil {
			return result, fmt.Errorf("failing challenge: %w", err)
		}
		result.Status = models.VerifyRejected
		return result, nil
	}

	ch.Attempts++
	if e.hasher.Compare(ch.CodeHash, normalizeCode(input)) {
		now := e.clock.Now().UTC()
		ch.Status = models.ChallengeStatusVerified
		ch.VerifiedAt = &now
		ch.CAVV = e.cavv(ch)
		ch.ECI = eci(ch.Network)
		if err := e.repo.UpdateChallenge(ctx, ch); err != nil {
			return result, fmt.Errorf("verifying challenge: %w", err)
		}
		e.logger.Info("challenge verified", slog.String("challenge_id", ch.ID), slog.Int("attempts", ch.Attempts))
		result.Status = models.VerifySuccess
		result.RemainingAttempts = ch.RemainingAttempts()
		result.CAVV = ch.CAVV
		result.ECI = ch.ECI
		return result, nil
	}

	result.Status = models.VerifyInvalidCode
	if ch.Attempts >= ch.MaxAttempts {
		ch.Status = models.ChallengeStatusFailed
		result.Status = models.VerifyRejected
		e.logger.Info("challenge rejected", slog.String("challenge_id", ch.ID))
	}
	if err := e.repo.UpdateChallenge(ctx, ch); err != nil {
		return result, fmt.Errorf("recording attempt: %w", err)
	}
	result.RemainingAttempts = ch.RemainingAttempts()
	return result, nil
}

// Resend issues a fresh code for a pending challenge, resetting attempts
// and extending the expiry.
func (e *Engine) Resend(ctx context.Context, id string) (*models.CreatedChallenge, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	ch, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.Status != models.ChallengeStatusPending {
		return nil, fmt.Errorf("challenge %s is %s: %w", id, ch.Status, models.ErrInvalidState)
	}
	if ch.Resends >= e.cfg.MaxResends {
		return nil, models.ErrResendLimit
	}

	code, hash, err := e.newCode()
	if err != nil {
		return nil, err
	}
	ch.CodeHash = hash
	ch.Attempts = 0
	ch.Resends++
	ch.ExpiresAt = e.clock.Now().UTC().Add(e.cfg.TTL)
	if err := e.repo.UpdateChallenge(ctx, ch); err != nil {
		return nil, fmt.Errorf("updating challenge: %w", err)
	}
	if err := e.dispatch(ctx, ch, code); err != nil {
		return nil, err
	}
	e.logger.Info("challenge resent", slog.String("challenge_id", ch.ID), slog.Int("resends", ch.Resends))
	return e.created(ch, code), nil
}

// SweepExpired moves overdue pending challenges to expired and returns how
// many it changed.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	ids, err := e.repo.ListOverdue(ctx, e.clock.Now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ch, err := e.GetChallenge(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			// retention dropped the record before any sweep saw it
			if err := e.repo.Unindex(ctx, id); err != nil {
				return n, err
			}
			continue
		}
		if err != nil {
			return n, err
		}
		if ch.Status == models.ChallengeStatusExpired {
			n++
		}
	}
	return n, nil
}

func (e *Engine) SetDefaultDestination(ctx context.Context, cardID string, dest models.Destination) error {
	if err := validateDestination(dest); err != nil {
		return err
	}
	if _, err := e.cards.LookupCard(ctx, cardID); err != nil {
		return fmt.Errorf("finding card %s: %w", cardID, err)
	}
	return e.repo.SetDestination(ctx, cardID, dest)
}

// PurgeCard drops every challenge of a purged card.
func (e *Engine) PurgeCard(ctx context.Context, cardID string) error {
	n, err := e.repo.DeleteByCard(ctx, cardID)
	if err != nil {
		return err
	}
	e.logger.Info("card challenges purged", slog.String("card_id", cardID), slog.Int("count", n))
	return nil
}

func (e *Engine) Export(ctx context.Context) ([]*models.Challenge, error) {
	return e.repo.ListChallenges(ctx)
}

func (e *Engine) Restore(ctx context.Context, challenges []*models.Challenge) error {
	for _, ch := range challenges {
		if err := e.repo.CreateChallenge(ctx, ch); err != nil {
			return fmt.Errorf("restoring challenge %s: %w", ch.ID, err)
		}
	}
	return nil
}

// cavv is a synthetic authentication value bound to the challenge and the
// transaction it authenticated.
func (e *Engine) cavv(ch *models.Challenge) string {
	mac := hmac.New(sha256.New, e.cfg.CAVVKey)
	fmt.Fprintf(mac, "%s|%s|%s|%d|%s", ch.ID, ch.TransactionID, ch.CardLast4, ch.Amount, ch.Currency)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)[:20])
}

func eci(network string) string {
	if network == string(cardgen.NetworkMastercard) {
		return "02"
	}
	return "05"
}

func normalizeCode(input string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, input)
}

func validateDestination(dest models.Destination) error {
	if !dest.Channel.Valid() {
		return fmt.Errorf("unknown channel %q: %w", dest.Channel, models.ErrInvalidRequest)
	}
	addr := strings.TrimSpace(dest.Address)
	switch {
	case addr == "":
		return fmt.Errorf("destination address is empty: %w", models.ErrInvalidRequest)
	case dest.Channel == models.ChannelEmail && strings.Count(addr, "@") != 1:
		return fmt.Errorf("invalid email address: %w", models.ErrInvalidRequest)
	case dest.Channel == models.ChannelSMS && len(digitsOf(addr)) < 4:
		return fmt.Errorf("invalid phone number: %w", models.ErrInvalidRequest)
	}
	return nil
}

// MaskDestination hides a destination for display: a phone keeps its last
// 4 digits, an email the first and last character of the local part.
func MaskDestination(dest models.Destination) string {
	switch dest.Channel {
	case models.ChannelSMS:
		d := digitsOf(dest.Address)
		if len(d) <= 4 {
			return strings.Repeat("*", len(d))
		}
		return strings.Repeat("*", len(d)-4) + d[len(d)-4:]
	case models.ChannelEmail:
		local, domain, ok := strings.Cut(dest.Address, "@")
		if !ok || local == "" {
			return "***"
		}
		runes := []rune(local)
		if len(runes) <= 2 {
			return string(runes[0]) + "***@" + domain
		}
		return string(runes[0]) + "***" + string(runes[len(runes)-1]) + "@" + domain
	default:
		a := dest.Address
		if len(a) <= 4 {
			return "****"
		}
		return "****" + a[len(a)-4:]
	}
}

func digitsOf(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
