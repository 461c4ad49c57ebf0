package expiry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	MinYears = 3
	MaxYears = 5
)

// Policy decides how long a card is valid and in which time zone its
// expiry month ends. The zero value is usable: UTC and the default
// product table.
type Policy struct {
	Location     *time.Location
	ProductYears map[string]int
}

// DefaultProductYears maps card category to validity years.
func DefaultProductYears() map[string]int {
	return map[string]int{"credit": 3, "prepaid": 4, "debit": 5}
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// YearsForProduct returns validity years for product unless override > 0.
// The result is always clamped to MinYears..MaxYears.
func (p Policy) YearsForProduct(product string, override int) int {
	years := MaxYears
	table := p.ProductYears
	if table == nil {
		table = DefaultProductYears()
	}
	if y, ok := table[strings.ToLower(product)]; ok {
		years = y
	}
	if override > 0 {
		years = override
	}
	if years < MinYears {
		return MinYears
	}
	if years > MaxYears {
		return MaxYears
	}
	return years
}

// YYMM returns expiry in YYMM for an issue date + years.
func (p Policy) YYMM(issue time.Time, years int) string {
	t := issue.In(p.location())
	return fmt.Sprintf("%02d%02d", (t.Year()+years)%100, int(t.Month()))
}

// CardFace returns expiry as MM/YY for card imprint.
func (p Policy) CardFace(issue time.Time, years int) string {
	t := issue.In(p.location())
	return fmt.Sprintf("%02d/%02d", int(t.Month()), (t.Year()+years)%100)
}

// ExpiresAt is the last instant of the expiry month of a card issued at issue.
func (p Policy) ExpiresAt(issue time.Time, years int) time.Time {
	end, _ := p.EndOfMonth(p.YYMM(issue, years))
	return end
}

// EndOfMonth parses YYMM into the last instant of that month.
func (p Policy) EndOfMonth(yymm string) (time.Time, error) {
	if err := ValidateYYMM(yymm); err != nil {
		return time.Time{}, err
	}
	yy, _ := strconv.Atoi(yymm[:2])
	mm, _ := strconv.Atoi(yymm[2:])
	firstNext := time.Date(2000+yy, time.Month(mm), 1, 0, 0, 0, 0, p.location()).AddDate(0, 1, 0)
	return firstNext.Add(-time.Nanosecond), nil
}

// IsExpired reports whether at is strictly after the end of the YYMM month.
func (p Policy) IsExpired(yymm string, at time.Time) (bool, error) {
	end, err := p.EndOfMonth(yymm)
	if err != nil {
		return false, err
	}
	return at.In(end.Location()).After(end), nil
}

// ParseCardFace accepts "MM/YY" or "MMYY" and returns YYMM.
func ParseCardFace(in string) (string, error) {
	s := strings.ReplaceAll(strings.TrimSpace(in), "/", "")
	if len(s) != 4 {
		return "", fmt.Errorf("card face must be MM/YY or MMYY")
	}
	yymm := s[2:] + s[:2]
	if err := ValidateYYMM(yymm); err != nil {
		return "", err
	}
	return yymm, nil
}

// ValidateYYMM checks the expiry is four digits with month 01..12.
func ValidateYYMM(yymm string) error {
	if len(yymm) != 4 {
		return fmt.Errorf("expiry must be YYMM (4 digits)")
	}
	for i := 0; i < 4; i++ {
		if yymm[i] < '0' || yymm[i] > '9' {
			return fmt.Errorf("expiry must be digits: YYMM")
		}
	}
	mm := int(yymm[2]-'0')*10 + int(yymm[3]-'0')
	if mm < 1 || mm > 12 {
		return fmt.Errorf("expiry month must be 01..12")
	}
	return nil
}
