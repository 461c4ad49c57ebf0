package security

// CVVProvider computes card verification values.
// Inputs follow the real-world shape: PAN without its check digit, expiry as
// YYMM and a 3-digit service code. width is 3 or 4; anything else means 3.
type CVVProvider interface {
	ComputeCVV2(panNoCD, expiryYYMM, serviceCode string, width int) (string, error)
}

// SealedBox encrypts small secrets (CVV, PIN, PAN) under a key chosen by
// an opaque handle, so callers never touch key material.
type SealedBox interface {
	Seal(handle KeyHandle, plaintext []byte) (string, error)
	Open(handle KeyHandle, sealed string) ([]byte, error)
}

// KeyHandle names a key purpose inside a SealedBox.
type KeyHandle string

const (
	KeyCVV KeyHandle = "cvv"
	KeyPIN KeyHandle = "pin"
	KeyPAN KeyHandle = "pan"
)

// Wipe zeroes b. Go does not guarantee no copies remain elsewhere.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
