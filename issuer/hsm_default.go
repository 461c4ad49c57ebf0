//go:build !softhsm

package issuer

import (
	"fmt"

	"github.com/alovak/virtualcard/internal/security"
)

func openHSM(cfg *Config) (security.CVVProvider, security.SealedBox, func() error, error) {
	if cfg.HSMLib != "" {
		return nil, nil, nil, fmt.Errorf("HSM_LIB is set but this build lacks the softhsm tag")
	}
	return nil, nil, nil, nil
}
