package cardgen

import (
	"regexp"
	"strings"
)

var panPattern = regexp.MustCompile(`^\d{13,19}$`)

// ComputeCheckDigit returns the mod-10 check digit that makes partial+digit
// a Luhn-valid string. The partial is walked from its rightmost digit and
// every digit at an even position of that walk is doubled, because the
// check digit will take position 0 once appended.
// Empty or non-numeric input yields "".
func ComputeCheckDigit(partial string) string {
	if partial == "" || !IsDigits(partial) {
		return ""
	}
	sum := 0
	for i := 0; i < len(partial); i++ {
		d := int(partial[len(partial)-1-i] - '0')
		if i%2 == 0 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	cd := (10 - (sum % 10)) % 10
	return string('0' + byte(cd))
}

// Validate reports whether pan is 13..19 digits and passes the Luhn check.
// Here the check digit sits at position 0 of the reversed string, so the
// doubled digits are the odd positions.
func Validate(pan string) bool {
	if !panPattern.MatchString(pan) {
		return false
	}
	return luhnSum(pan)%10 == 0
}

func luhnSum(pan string) int {
	sum := 0
	for i := 0; i < len(pan); i++ {
		d := int(pan[len(pan)-1-i] - '0')
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum
}

func IsDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// LastN returns the last n characters of s, or s itself when shorter.
func LastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// NormalizePAN strips spaces, tabs and dashes.
func NormalizePAN(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		default:
			return r
		}
	}, s)
}
