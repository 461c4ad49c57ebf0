package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealedVersion = "v1"

var (
	ErrMasterKeyTooShort = errors.New("master key must be at least 16 bytes")
	ErrSealedFormat      = errors.New("malformed sealed value")
	ErrUnseal            = errors.New("unable to open sealed value")
)

// KeyRing is a SealedBox backed by one deployment secret. Each handle gets
// its own XChaCha20-Poly1305 key derived with HKDF-SHA256, and the handle is
// bound as associated data so a value sealed for "pin" never opens as "cvv".
type KeyRing struct {
	master []byte

	mu    sync.Mutex
	aeads map[KeyHandle]cipher.AEAD
}

func NewKeyRing(master []byte) (*KeyRing, error) {
	if len(master) < 16 {
		return nil, ErrMasterKeyTooShort
	}
	m := make([]byte, len(master))
	copy(m, master)
	return &KeyRing{master: m, aeads: make(map[KeyHandle]cipher.AEAD)}, nil
}

func (k *KeyRing) aead(handle KeyHandle) (cipher.AEAD, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if a, ok := k.aeads[handle]; ok {
		return a, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, k.master, nil, []byte("virtualcard/sealed/"+string(handle)))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", handle, err)
	}
	a, err := chacha20poly1305.NewX(key)
	Wipe(key)
	if err != nil {
		return nil, fmt.Errorf("creating %s cipher: %w", handle, err)
	}
	k.aeads[handle] = a
	return a, nil
}

// Seal returns "v1.<base64url(nonce|ciphertext)>".
func (k *KeyRing) Seal(handle KeyHandle, plaintext []byte) (string, error) {
	a, err := k.aead(handle)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, a.NonceSize(), a.NonceSize()+len(plaintext)+a.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := a.Seal(nonce, nonce, plaintext, []byte(handle))
	return sealedVersion + "." + base64.RawURLEncoding.EncodeToString(out), nil
}

func (k *KeyRing) Open(handle KeyHandle, sealed string) ([]byte, error) {
	version, payload, ok := strings.Cut(sealed, ".")
	if !ok || version != sealedVersion {
		return nil, ErrSealedFormat
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedFormat, err)
	}
	a, err := k.aead(handle)
	if err != nil {
		return nil, err
	}
	if len(raw) < a.NonceSize()+a.Overhead() {
		return nil, ErrSealedFormat
	}
	plain, err := a.Open(nil, raw[:a.NonceSize()], raw[a.NonceSize():], []byte(handle))
	if err != nil {
		return nil, ErrUnseal
	}
	return plain, nil
}

var _ SealedBox = (*KeyRing)(nil)
