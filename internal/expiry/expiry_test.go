package expiry

import (
	"testing"
	"time"
)

func TestFormats_Rollover(t *testing.T) {
	var p Policy
	issue := time.Date(2029, time.December, 15, 0, 0, 0, 0, time.UTC)
	if got := p.YYMM(issue, 1); got != "3012" {
		t.Fatalf("YYMM got %s want %s", got, "3012")
	}
	if got := p.CardFace(issue, 1); got != "12/30" {
		t.Fatalf("CardFace got %s want %s", got, "12/30")
	}
}

func TestFormats_LeapIssue(t *testing.T) {
	var p Policy
	issue := time.Date(2028, time.February, 29, 0, 0, 0, 0, time.UTC)
	if got := p.YYMM(issue, 3); got != "3102" {
		t.Fatalf("YYMM got %s want %s", got, "3102")
	}
	if got := p.CardFace(issue, 3); got != "02/31" {
		t.Fatalf("CardFace got %s want %s", got, "02/31")
	}
}

func TestFormats_Location(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	p := Policy{Location: loc}
	// 2029-12-31 20:00 UTC is already January 2030 in UTC+10.
	issue := time.Date(2029, time.December, 31, 20, 0, 0, 0, time.UTC)
	if got := p.YYMM(issue, 3); got != "3301" {
		t.Fatalf("YYMM got %s want %s", got, "3301")
	}
}

func TestEndOfMonth(t *testing.T) {
	var p Policy
	cases := map[string]time.Time{
		"3002": time.Date(2030, time.February, 28, 23, 59, 59, 999999999, time.UTC),
		"3004": time.Date(2030, time.April, 30, 23, 59, 59, 999999999, time.UTC),
		"2802": time.Date(2028, time.February, 29, 23, 59, 59, 999999999, time.UTC),
	}
	for yymm, want := range cases {
		ts, err := p.EndOfMonth(yymm)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if !ts.Equal(want) {
			t.Fatalf("%s: got %v want %v", yymm, ts, want)
		}
	}
}

func TestExpiresAt(t *testing.T) {
	var p Policy
	issue := time.Date(2026, time.October, 16, 9, 0, 0, 0, time.UTC)
	want := time.Date(2031, time.October, 31, 23, 59, 59, 999999999, time.UTC)
	if got := p.ExpiresAt(issue, 5); !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestValidateYYMM(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"3002", true}, {"9912", true}, {"0001", true},
		{"123", false}, {"12a4", false}, {"3013", false}, {"0000", false},
	}
	for _, c := range cases {
		err := ValidateYYMM(c.in)
		if (err == nil) != c.ok {
			t.Fatalf("ValidateYYMM(%s) ok=%v got err=%v", c.in, c.ok, err)
		}
	}
}

func TestIsExpired(t *testing.T) {
	var p Policy
	end, _ := p.EndOfMonth("3002")
	if expired, err := p.IsExpired("3002", end); err != nil || expired {
		t.Fatalf("expected not expired at end, got expired=%v err=%v", expired, err)
	}
	if expired, err := p.IsExpired("3002", end.Add(time.Nanosecond)); err != nil || !expired {
		t.Fatalf("expected expired after end, got expired=%v err=%v", expired, err)
	}
}

func TestParseCardFace(t *testing.T) {
	yymm, err := ParseCardFace("10/30")
	if err != nil || yymm != "3010" {
		t.Fatalf("ParseCardFace 10/30 got %s err=%v", yymm, err)
	}
	yymm, err = ParseCardFace("1030")
	if err != nil || yymm != "3010" {
		t.Fatalf("ParseCardFace 1030 got %s err=%v", yymm, err)
	}
	if _, err := ParseCardFace("13/30"); err == nil {
		t.Fatalf("expected error for 13/30")
	}
}

func TestYearsForProduct(t *testing.T) {
	var p Policy
	if got := p.YearsForProduct("credit", 0); got != 3 {
		t.Fatalf("credit years got %d want %d", got, 3)
	}
	if got := p.YearsForProduct("debit", 0); got != 5 {
		t.Fatalf("debit years got %d want %d", got, 5)
	}
	if got := p.YearsForProduct("anything", 4); got != 4 {
		t.Fatalf("override years got %d want %d", got, 4)
	}
	if got := p.YearsForProduct("debit", 9); got != MaxYears {
		t.Fatalf("clamped years got %d want %d", got, MaxYears)
	}
	custom := Policy{ProductYears: map[string]int{"debit": 1}}
	if got := custom.YearsForProduct("debit", 0); got != MinYears {
		t.Fatalf("clamped years got %d want %d", got, MinYears)
	}
}
