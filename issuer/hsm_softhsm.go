//go:build softhsm

package issuer

import (
	"github.com/alovak/virtualcard/internal/security"
	"github.com/alovak/virtualcard/internal/security/hsm"
)

func openHSM(cfg *Config) (security.CVVProvider, security.SealedBox, func() error, error) {
	if cfg.HSMLib == "" {
		return nil, nil, nil, nil
	}
	p := hsm.NewSoftHSMProvider(cfg.HSMLib, cfg.HSMSlot, cfg.HSMPin, cfg.HSMCVKLabel, cfg.HSMSealPrefix)
	if err := p.Connect(); err != nil {
		return nil, nil, nil, err
	}
	return p, p, func() error { p.Close(); return nil }, nil
}
