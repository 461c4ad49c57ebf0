// Package snapshot persists the card and challenge collections to a JSON
// file.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	issuermodels "github.com/alovak/virtualcard/issuer/models"
	threedsmodels "github.com/alovak/virtualcard/threeds/models"
)

var ErrIntegrity = errors.New("snapshot integrity")

type State struct {
	TakenAt      time.Time                   `json:"taken_at"`
	Accounts     []*issuermodels.Account     `json:"accounts"`
	Cards        []*issuermodels.Card        `json:"cards"`
	Transactions []*issuermodels.Transaction `json:"transactions"`
	Challenges   []*threedsmodels.Challenge  `json:"challenges"`
}

// Save writes the state atomically: a temp file in the same directory is
// renamed over path.
func Save(path string, state *State) error {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot. A missing file yields an empty state.
func Load(path string) (*State, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var state State
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return &state, nil
}

// Validate checks ids are unique and every account, card and transaction
// reference resolves.
func (s *State) Validate() error {
	accounts := make(map[string]struct{}, len(s.Accounts))
	for _, a := range s.Accounts {
		accounts[a.ID] = struct{}{}
	}

	cards := make(map[string]struct{}, len(s.Cards))
	for _, c := range s.Cards {
		if _, ok := accounts[c.AccountID]; !ok {
			return fmt.Errorf("%w: card %s references unknown account %s", ErrIntegrity, c.ID, c.AccountID)
		}
		if _, dup := cards[c.ID]; dup {
			return fmt.Errorf("%w: duplicate card %s", ErrIntegrity, c.ID)
		}
		cards[c.ID] = struct{}{}
	}

	txs := make(map[string]struct{}, len(s.Transactions))
	for _, t := range s.Transactions {
		if _, ok := cards[t.CardID]; !ok {
			return fmt.Errorf("%w: transaction %s references unknown card %s", ErrIntegrity, t.ID, t.CardID)
		}
		if _, dup := txs[t.ID]; dup {
			return fmt.Errorf("%w: duplicate transaction %s", ErrIntegrity, t.ID)
		}
		txs[t.ID] = struct{}{}
	}
	for _, t := range s.Transactions {
		if t.ReversalOf == "" {
			continue
		}
		if _, ok := txs[t.ReversalOf]; !ok {
			return fmt.Errorf("%w: reversal %s references unknown transaction %s", ErrIntegrity, t.ID, t.ReversalOf)
		}
	}

	challenges := make(map[string]struct{}, len(s.Challenges))
	for _, ch := range s.Challenges {
		if _, ok := cards[ch.CardID]; !ok {
			return fmt.Errorf("%w: challenge %s references unknown card %s", ErrIntegrity, ch.ID, ch.CardID)
		}
		if _, dup := challenges[ch.ID]; dup {
			return fmt.Errorf("%w: duplicate challenge %s", ErrIntegrity, ch.ID)
		}
		challenges[ch.ID] = struct{}{}
	}
	return nil
}
