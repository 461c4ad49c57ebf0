//go:build softhsm

package hsm

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/alovak/virtualcard/internal/security"
)

const gcmTagBits = 128

// SoftHSMProvider computes CVV2 with a 3DES MAC under a CVK and seals
// secrets with AES-GCM keys, all held in a PKCS#11 token. Sealing keys are
// looked up by label "<prefix><handle>" (e.g. "seal-cvv").
// Enabled with the softhsm build tag so default builds do not need cgo.
type SoftHSMProvider struct {
	libPath    string
	slotID     uint
	pin        string
	cvkLabel   string
	sealPrefix string

	mu       sync.Mutex
	p11      *pkcs11.Ctx
	sess     pkcs11.SessionHandle
	cvk      pkcs11.ObjectHandle
	sealKeys map[security.KeyHandle]pkcs11.ObjectHandle
}

func NewSoftHSMProvider(libPath string, slotID uint, pin, cvkLabel, sealPrefix string) *SoftHSMProvider {
	return &SoftHSMProvider{
		libPath:    libPath,
		slotID:     slotID,
		pin:        pin,
		cvkLabel:   cvkLabel,
		sealPrefix: sealPrefix,
		sealKeys:   make(map[security.KeyHandle]pkcs11.ObjectHandle),
	}
}

func (p *SoftHSMProvider) Connect() error {
	p.p11 = pkcs11.New(p.libPath)
	if p.p11 == nil {
		return fmt.Errorf("load pkcs11 lib failed")
	}
	if err := p.p11.Initialize(); err != nil {
		return err
	}
	sess, err := p.p11.OpenSession(p.slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		_ = p.p11.Finalize()
		return err
	}
	p.sess = sess
	if err := p.p11.Login(p.sess, pkcs11.CKU_USER, p.pin); err != nil {
		_ = p.p11.CloseSession(p.sess)
		_ = p.p11.Finalize()
		return err
	}
	cvk, err := p.findKey(p.cvkLabel, pkcs11.CKK_DES3)
	if err != nil {
		return err
	}
	p.cvk = cvk
	return nil
}

func (p *SoftHSMProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.p11 != nil {
		if p.sess != 0 {
			_ = p.p11.Logout(p.sess)
			_ = p.p11.CloseSession(p.sess)
		}
		_ = p.p11.Finalize()
		p.p11.Destroy()
		p.p11 = nil
	}
}

func (p *SoftHSMProvider) findKey(label string, keyType uint) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType),
	}
	if err := p.p11.FindObjectsInit(p.sess, template); err != nil {
		return 0, err
	}
	objs, _, err := p.p11.FindObjects(p.sess, 1)
	_ = p.p11.FindObjectsFinal(p.sess)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("key not found by label=%s", label)
	}
	return objs[0], nil
}

// decimalize maps MAC hex nibbles a..f onto 0..5 and keeps the first n digits.
func decimalize(mac []byte, n int) string {
	hx := hex.EncodeToString(mac)
	out := make([]byte, 0, n)
	for i := 0; i < len(hx) && len(out) < n; i++ {
		c := hx[i]
		if c >= '0' && c <= '9' {
			out = append(out, c)
		} else {
			out = append(out, byte('0'+(c-'a'+10)%10))
		}
	}
	return string(out)
}

func (p *SoftHSMProvider) ComputeCVV2(panNoCD, yymm, sc string, width int) (string, error) {
	if width != 4 {
		width = 3
	}
	if err := security.ValidateInputs(panNoCD, yymm, sc); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_DES3_MAC, nil)}
	if err := p.p11.SignInit(p.sess, mech, p.cvk); err != nil {
		return "", err
	}
	mac, err := p.p11.Sign(p.sess, []byte(panNoCD+yymm+sc))
	if err != nil {
		return "", err
	}
	return decimalize(mac, width), nil
}

func (p *SoftHSMProvider) sealKey(handle security.KeyHandle) (pkcs11.ObjectHandle, error) {
	if k, ok := p.sealKeys[handle]; ok {
		return k, nil
	}
	k, err := p.findKey(p.sealPrefix+string(handle), pkcs11.CKK_AES)
	if err != nil {
		return 0, err
	}
	p.sealKeys[handle] = k
	return k, nil
}

// Seal returns "hsm1.<base64url(iv|ciphertext)>"; the handle is the GCM AAD.
func (p *SoftHSMProvider) Seal(handle security.KeyHandle, plaintext []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, err := p.sealKey(handle)
	if err != nil {
		return "", err
	}
	iv := make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	params := pkcs11.NewGCMParams(iv, []byte(handle), gcmTagBits)
	defer params.Free()
	if err := p.p11.EncryptInit(p.sess, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_GCM, params)}, key); err != nil {
		return "", err
	}
	ct, err := p.p11.Encrypt(p.sess, plaintext)
	if err != nil {
		return "", err
	}
	return "hsm1." + base64.RawURLEncoding.EncodeToString(append(iv, ct...)), nil
}

func (p *SoftHSMProvider) Open(handle security.KeyHandle, sealed string) ([]byte, error) {
	raw, ok := strings.CutPrefix(sealed, "hsm1.")
	if !ok {
		return nil, security.ErrSealedFormat
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(data) < 12+gcmTagBits/8 {
		return nil, security.ErrSealedFormat
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key, err := p.sealKey(handle)
	if err != nil {
		return nil, err
	}
	params := pkcs11.NewGCMParams(data[:12], []byte(handle), gcmTagBits)
	defer params.Free()
	if err := p.p11.DecryptInit(p.sess, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_GCM, params)}, key); err != nil {
		return nil, err
	}
	plain, err := p.p11.Decrypt(p.sess, data[12:])
	if err != nil {
		return nil, security.ErrUnseal
	}
	return plain, nil
}

var (
	_ security.CVVProvider = (*SoftHSMProvider)(nil)
	_ security.SealedBox   = (*SoftHSMProvider)(nil)
)
