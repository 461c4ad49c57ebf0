package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/alovak/virtualcard/internal/cardgen"
	"github.com/alovak/virtualcard/internal/expiry"
)

// ServiceCodeDefault is the service code used for simulated cards
// (international, normal authorization, no restrictions).
const ServiceCodeDefault = "101"

// domain separation tag for static CVV2 values
const domainStatic = "static-v1"

// HMACProvider derives CVV2 values from HMAC-SHA256 with dynamic truncation.
// Simulation only: real issuers compute CVV with 3DES under a CVK in an HSM.
type HMACProvider struct {
	key []byte
}

func NewHMACProvider(key []byte) *HMACProvider { return &HMACProvider{key: key} }

func (p *HMACProvider) ComputeCVV2(panNoCD, yymm, sc string, width int) (string, error) {
	if len(p.key) == 0 {
		return "", fmt.Errorf("cvv key is required")
	}
	if err := ValidateInputs(panNoCD, yymm, sc); err != nil {
		return "", err
	}
	msg := []byte(panNoCD + "|" + yymm + "|" + sc + "|" + domainStatic)
	return hmacTruncatedDecimal(p.key, msg, normalizeWidth(width)), nil
}

// ValidateInputs checks the CVV inputs: 12..18 digit PAN body, YYMM expiry,
// 3-digit service code.
func ValidateInputs(panNoCD, yymm, sc string) error {
	if err := expiry.ValidateYYMM(yymm); err != nil {
		return err
	}
	if len(sc) != 3 || !cardgen.IsDigits(sc) {
		return fmt.Errorf("service code must be 3 digits")
	}
	if panNoCD == "" || !cardgen.IsDigits(panNoCD) {
		return fmt.Errorf("panNoCD must be digits only")
	}
	if l := len(panNoCD); l < 12 || l > 18 {
		return fmt.Errorf("panNoCD length must be 12..18 (got %d)", l)
	}
	return nil
}

func normalizeWidth(width int) int {
	if width == 4 {
		return 4
	}
	return 3
}

// hmacTruncatedDecimal applies RFC 4226 style dynamic truncation to an
// HMAC-SHA256 and renders width decimal digits.
func hmacTruncatedDecimal(key, msg []byte, width int) string {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	sum := h.Sum(nil)
	off := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[off])&0x7f)<<24 |
		uint32(sum[off+1])<<16 |
		uint32(sum[off+2])<<8 |
		uint32(sum[off+3])
	if width == 4 {
		return fmt.Sprintf("%04d", code%10000)
	}
	return fmt.Sprintf("%03d", code%1000)
}
