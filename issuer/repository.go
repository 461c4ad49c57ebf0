package issuer

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"

	"github.com/alovak/virtualcard/internal/cardgen"
	"github.com/alovak/virtualcard/internal/security"
	"github.com/alovak/virtualcard/issuer/models"
)

//go:embed schema.sql
var schemaSQL string

// Repository stores accounts, cards and the transaction log. Without a db it
// keeps everything in memory; records are cloned on the way in and out so
// callers never share memory with the store.
type Repository struct {
	mu           sync.RWMutex
	accounts     []*models.Account
	cards        map[string]*models.Card
	cardOrder    []string
	transactions []*models.Transaction
	panIndex     map[string]string

	db      *sql.DB
	hashKey []byte
	box     security.SealedBox
}

func NewRepository() *Repository {
	return &Repository{
		accounts:     make([]*models.Account, 0),
		cards:        make(map[string]*models.Card),
		transactions: make([]*models.Transaction, 0),
		panIndex:     make(map[string]string),
	}
}

// NewPGRepository constructs a db-backed repository. PANs are looked up by
// their keyed fingerprint and stored only sealed; box opens them on read.
func NewPGRepository(db *sql.DB, hashKey []byte, box security.SealedBox) *Repository {
	return &Repository{db: db, hashKey: hashKey, box: box}
}

// Migrate creates the issuer schema. No-op for the memory backend.
func (r *Repository) Migrate(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (r *Repository) CreateAccount(ctx context.Context, account *models.Account) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		acc := *account
		r.accounts = append(r.accounts, &acc)
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO issuer.accounts(account_id, currency, available_balance, total_balance, kyc_verified, aml_cleared)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, account.ID, strings.ToUpper(account.Currency), account.AvailableBalance, account.TotalBalance, account.KYCVerified, account.AMLCleared)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", account.ID, models.ErrConflict)
	}
	return err
}

// GetAccount makes the repository usable as the ledger's balance source.
func (r *Repository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, account := range r.accounts {
			if account.ID == accountID {
				acc := *account
				return &acc, nil
			}
		}
		return nil, models.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT account_id, currency, available_balance, total_balance, kyc_verified, aml_cleared
		  FROM issuer.accounts WHERE account_id=$1
	`, accountID)
	var acc models.Account
	if err := row.Scan(&acc.ID, &acc.Currency, &acc.AvailableBalance, &acc.TotalBalance, &acc.KYCVerified, &acc.AMLCleared); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// ListAccounts returns every account.
func (r *Repository) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]*models.Account, 0, len(r.accounts))
		for _, account := range r.accounts {
			acc := *account
			out = append(out, &acc)
		}
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, currency, available_balance, total_balance, kyc_verified, aml_cleared
		  FROM issuer.accounts ORDER BY account_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Account
	for rows.Next() {
		var acc models.Account
		if err := rows.Scan(&acc.ID, &acc.Currency, &acc.AvailableBalance, &acc.TotalBalance, &acc.KYCVerified, &acc.AMLCleared); err != nil {
			return nil, err
		}
		out = append(out, &acc)
	}
	return out, rows.Err()
}

// SetAccountBalance replaces the balances of an account, standing in for
// the core banking system moving money.
func (r *Repository) SetAccountBalance(ctx context.Context, accountID string, available, total int64) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, account := range r.accounts {
			if account.ID == accountID {
				account.AvailableBalance = available
				account.TotalBalance = total
				return nil
			}
		}
		return models.ErrNotFound
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE issuer.accounts SET available_balance=$2, total_balance=$3 WHERE account_id=$1
	`, accountID, available, total)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

const cardColumns = `card_id, account_id, pan_sealed, masked_pan, last4, network, tier, category, source,
	external_ref, cardholder_name, currency, spending_limit, daily_limit, monthly_limit, per_tx_limit,
	available_balance, current_balance, status, expiry_yymm, cvv_sealed, pin_sealed, three_ds, contactless,
	total_spent, tx_count, created_at, activated_at, expires_at, last_used_at`

func (r *Repository) CreateCard(ctx context.Context, card *models.Card) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.cards[card.ID]; ok {
			return fmt.Errorf("card id exists: %w", models.ErrConflict)
		}
		if card.PAN != "" {
			if _, ok := r.panIndex[card.PAN]; ok {
				return fmt.Errorf("card number exists: %w", models.ErrConflict)
			}
			r.panIndex[card.PAN] = card.ID
		}
		r.cards[card.ID] = card.Clone()
		r.cardOrder = append(r.cardOrder, card.ID)
		return nil
	}

	var panHash sql.NullString
	if card.PAN != "" {
		panHash = sql.NullString{String: cardgen.Fingerprint(card.PAN, r.hashKey), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO issuer.cards(pan_hash, `+cardColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)
	`, panHash, card.ID, card.AccountID, card.SealedPAN, card.MaskedPAN, card.Last4,
		string(card.Network), string(card.Tier), string(card.Category), string(card.Source),
		card.ExternalRef, card.CardholderName, card.Currency,
		card.Limits.Spending, card.Limits.Daily, card.Limits.Monthly, card.Limits.PerTransaction,
		card.AvailableBalance, card.CurrentBalance, string(card.Status), card.ExpirationDate,
		card.SealedCVV, card.SealedPIN, card.ThreeDSecure, card.Contactless,
		card.TotalSpent, card.TransactionCount, card.CreatedAt, nullTime(card.ActivatedAt), card.ExpiresAt, nullTime(card.LastUsedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("card %s: %w", card.ID, models.ErrConflict)
	}
	return err
}

func (r *Repository) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		card, ok := r.cards[cardID]
		if !ok {
			return nil, models.ErrNotFound
		}
		return card.Clone(), nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM issuer.cards WHERE card_id=$1`, cardID)
	card, err := r.scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return card, err
}

// UpdateCard persists the mutable part of a card: limits, balances, state,
// PIN, flags, counters and timestamps.
func (r *Repository) UpdateCard(ctx context.Context, card *models.Card) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.cards[card.ID]; !ok {
			return models.ErrNotFound
		}
		r.cards[card.ID] = card.Clone()
		return nil
	}
	return updateCard(ctx, r.db, card)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateCard(ctx context.Context, db execer, card *models.Card) error {
	res, err := db.ExecContext(ctx, `
		UPDATE issuer.cards
		   SET cardholder_name=$2, spending_limit=$3, daily_limit=$4, monthly_limit=$5, per_tx_limit=$6,
		       available_balance=$7, current_balance=$8, status=$9, pin_sealed=$10, three_ds=$11,
		       contactless=$12, total_spent=$13, tx_count=$14, activated_at=$15, last_used_at=$16
		 WHERE card_id=$1
	`, card.ID, card.CardholderName, card.Limits.Spending, card.Limits.Daily, card.Limits.Monthly, card.Limits.PerTransaction,
		card.AvailableBalance, card.CurrentBalance, string(card.Status), card.SealedPIN, card.ThreeDSecure,
		card.Contactless, card.TotalSpent, card.TransactionCount, nullTime(card.ActivatedAt), nullTime(card.LastUsedAt))
	if err != nil {
		return fmt.Errorf("updating card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteCard removes a card together with its transaction log.
func (r *Repository) DeleteCard(ctx context.Context, cardID string) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		card, ok := r.cards[cardID]
		if !ok {
			return models.ErrNotFound
		}
		delete(r.cards, cardID)
		if card.PAN != "" {
			delete(r.panIndex, card.PAN)
		}
		for i, id := range r.cardOrder {
			if id == cardID {
				r.cardOrder = append(r.cardOrder[:i], r.cardOrder[i+1:]...)
				break
			}
		}
		kept := r.transactions[:0]
		for _, t := range r.transactions {
			if t.CardID != cardID {
				kept = append(kept, t)
			}
		}
		r.transactions = kept
		return nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM issuer.cards WHERE card_id=$1`, cardID)
	if err != nil {
		return fmt.Errorf("deleting card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListCards returns the cards of an account in issue order; an empty
// accountID lists every card.
func (r *Repository) ListCards(ctx context.Context, accountID string) ([]*models.Card, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]*models.Card, 0)
		for _, id := range r.cardOrder {
			c := r.cards[id]
			if accountID == "" || c.AccountID == accountID {
				out = append(out, c.Clone())
			}
		}
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+cardColumns+` FROM issuer.cards
		 WHERE $1 = '' OR account_id = $1
		 ORDER BY created_at, card_id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Card, 0)
	for rows.Next() {
		c, err := r.scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListExpiredCardIDs returns non-terminal cards whose expiry instant is
// before now. It only selects candidates; the service decides expiry.
func (r *Repository) ListExpiredCardIDs(ctx context.Context, now time.Time) ([]string, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var ids []string
		for _, id := range r.cardOrder {
			c := r.cards[id]
			if !c.Status.Terminal() && now.After(c.ExpiresAt) {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT card_id FROM issuer.cards
		 WHERE status IN ('active', 'inactive', 'frozen') AND expires_at < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExistsCardNumber reports whether a PAN already exists.
func (r *Repository) ExistsCardNumber(ctx context.Context, pan string) (bool, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, ok := r.panIndex[pan]
		return ok, nil
	}
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM issuer.cards WHERE pan_hash=$1)`,
		cardgen.Fingerprint(pan, r.hashKey)).Scan(&exists)
	return exists, err
}

func (r *Repository) scanCard(row interface{ Scan(dest ...any) error }) (*models.Card, error) {
	var (
		c                                       models.Card
		network, tier, category, source, status string
		activated, lastUsed                     sql.NullTime
	)
	err := row.Scan(&c.ID, &c.AccountID, &c.SealedPAN, &c.MaskedPAN, &c.Last4, &network, &tier, &category, &source,
		&c.ExternalRef, &c.CardholderName, &c.Currency,
		&c.Limits.Spending, &c.Limits.Daily, &c.Limits.Monthly, &c.Limits.PerTransaction,
		&c.AvailableBalance, &c.CurrentBalance, &status, &c.ExpirationDate, &c.SealedCVV, &c.SealedPIN,
		&c.ThreeDSecure, &c.Contactless, &c.TotalSpent, &c.TransactionCount,
		&c.CreatedAt, &activated, &c.ExpiresAt, &lastUsed)
	if err != nil {
		return nil, err
	}
	c.Network = cardgen.Network(network)
	c.Tier = cardgen.Tier(tier)
	c.Category = models.Category(category)
	c.Source = models.CardSource(source)
	c.Status = models.CardStatus(status)
	if activated.Valid {
		t := activated.Time
		c.ActivatedAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsedAt = &t
	}
	if c.SealedPAN != "" && r.box != nil {
		pan, err := r.box.Open(security.KeyPAN, c.SealedPAN)
		if err != nil {
			return nil, fmt.Errorf("opening pan of card %s: %w", c.ID, err)
		}
		c.PAN = string(pan)
		security.Wipe(pan)
	}
	return &c, nil
}

// CreateTransaction appends a record to the log without touching the card.
func (r *Repository) CreateTransaction(ctx context.Context, transaction *models.Transaction) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.appendTransactionLocked(transaction)
	}
	return insertTransaction(ctx, r.db, transaction)
}

// RecordTransaction appends transaction and stores the card it changed as
// one atomic step.
func (r *Repository) RecordTransaction(ctx context.Context, card *models.Card, transaction *models.Transaction) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.cards[card.ID]; !ok {
			return models.ErrNotFound
		}
		if err := r.appendTransactionLocked(transaction); err != nil {
			return err
		}
		r.cards[card.ID] = card.Clone()
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return err
	}
	if err := insertTransaction(ctx, tx, transaction); err != nil {
		return err
	}
	if err := updateCard(ctx, tx, card); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) appendTransactionLocked(transaction *models.Transaction) error {
	if transaction.ReversalOf != "" {
		for _, t := range r.transactions {
			if t.ReversalOf == transaction.ReversalOf {
				return fmt.Errorf("transaction %s already reversed: %w", transaction.ReversalOf, models.ErrConflict)
			}
		}
	}
	t := *transaction
	r.transactions = append(r.transactions, &t)
	return nil
}

func insertTransaction(ctx context.Context, db execer, t *models.Transaction) error {
	var reversalOf sql.NullString
	if t.ReversalOf != "" {
		reversalOf = sql.NullString{String: t.ReversalOf, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO issuer.transactions(tx_id, card_id, account_id, type, amount, currency, status, reference,
		                                reversal_of, merchant_name, mcc, approval_code, authorization_code, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, t.ID, t.CardID, t.AccountID, string(t.Type), t.Amount, strings.ToUpper(t.Currency), string(t.Status), t.Reference,
		reversalOf, t.Merchant.Name, t.Merchant.MCC, t.ApprovalCode, t.AuthorizationCode, t.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction %s: %w", t.ID, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

const transactionColumns = `tx_id, card_id, account_id, type, amount, currency, status, reference,
	COALESCE(reversal_of, ''), merchant_name, mcc, approval_code, authorization_code, created_at`

func scanTransaction(row interface{ Scan(dest ...any) error }) (*models.Transaction, error) {
	var (
		t           models.Transaction
		typ, status string
	)
	err := row.Scan(&t.ID, &t.CardID, &t.AccountID, &typ, &t.Amount, &t.Currency, &status, &t.Reference,
		&t.ReversalOf, &t.Merchant.Name, &t.Merchant.MCC, &t.ApprovalCode, &t.AuthorizationCode, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = models.TransactionType(typ)
	t.Status = models.TransactionStatus(status)
	return &t, nil
}

func (r *Repository) GetTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, t := range r.transactions {
			if t.ID == txID {
				out := *t
				return &out, nil
			}
		}
		return nil, models.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM issuer.transactions WHERE tx_id=$1`, txID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return t, err
}

// HasReversal reports whether a compensating record for txID exists.
func (r *Repository) HasReversal(ctx context.Context, txID string) (bool, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, t := range r.transactions {
			if t.ReversalOf == txID {
				return true, nil
			}
		}
		return false, nil
	}
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM issuer.transactions WHERE reversal_of=$1)`, txID).Scan(&exists)
	return exists, err
}

// ListTransactions returns the log of a card oldest first; an empty cardID
// returns the whole log.
func (r *Repository) ListTransactions(ctx context.Context, cardID string) ([]*models.Transaction, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		transactions := make([]*models.Transaction, 0)
		for _, t := range r.transactions {
			if cardID == "" || t.CardID == cardID {
				out := *t
				transactions = append(transactions, &out)
			}
		}
		return transactions, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM issuer.transactions
		 WHERE $1 = '' OR card_id = $1
		 ORDER BY created_at, tx_id
	`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NetSpendSince sums the signed spend of a card's log from since onwards.
func (r *Repository) NetSpendSince(ctx context.Context, cardID string, since time.Time) (int64, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var sum int64
		for _, t := range r.transactions {
			if t.CardID == cardID && !t.CreatedAt.Before(since) {
				sum += t.NetSpend()
			}
		}
		return sum, nil
	}
	var sum int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE
		         WHEN status='completed' AND type<>'refund' THEN amount
		         WHEN status='completed' AND type='refund'  THEN -amount
		         WHEN status='reversed'  AND type<>'refund' THEN -amount
		         WHEN status='reversed'  AND type='refund'  THEN amount
		         ELSE 0 END), 0)
		  FROM issuer.transactions
		 WHERE card_id=$1 AND created_at >= $2
	`, cardID, since).Scan(&sum)
	return sum, err
}

// Ping returns DB readiness
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
