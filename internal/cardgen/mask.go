package cardgen

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const maskChar = '*'

// Mask hides all but the last four digits and groups the result for display:
// 4-6-5 for 15-digit amex numbers, groups of four otherwise.
func Mask(pan string) string {
	cleaned := NormalizePAN(pan)
	n := len(cleaned)
	if n == 0 {
		return ""
	}
	masked := []byte(cleaned)
	for i := 0; i < n-4; i++ {
		masked[i] = maskChar
	}
	return group(string(masked), groupsFor(cleaned))
}

func groupsFor(pan string) []int {
	if len(pan) == 15 && Classify(pan) == NetworkAmex {
		return []int{4, 6, 5}
	}
	var sizes []int
	for rest := len(pan); rest > 0; rest -= 4 {
		if rest < 4 {
			sizes = append(sizes, rest)
			break
		}
		sizes = append(sizes, 4)
	}
	return sizes
}

func group(s string, sizes []int) string {
	var sb strings.Builder
	sb.Grow(len(s) + len(sizes))
	pos := 0
	for i, size := range sizes {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s[pos : pos+size])
		pos += size
	}
	return sb.String()
}

// Fingerprint is a keyed HMAC-SHA256 of the normalized PAN, hex encoded.
// It lets stores index and de-duplicate PANs without keeping them in clear.
func Fingerprint(pan string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(NormalizePAN(pan)))
	return hex.EncodeToString(h.Sum(nil))
}
