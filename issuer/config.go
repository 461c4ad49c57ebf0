package issuer

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

// Config is a configuration for the issuer application
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:"localhost:9090"`
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// RepoBackend selects card storage: "mem" or "pg".
	RepoBackend string `env:"REPO_BACKEND" envDefault:"mem"`
	DBDSN       string `env:"DB_DSN"`
	// ChallengeBackend selects 3DS challenge storage: "mem" or "redis".
	ChallengeBackend string `env:"CHALLENGE_BACKEND" envDefault:"mem"`
	RedisURL         string `env:"REDIS_URL"`

	SealMasterKey string `env:"SEAL_MASTER_KEY" envDefault:"dev-only-seal-master-key-0000000"`
	PANHashKey    string `env:"PAN_HASH_KEY" envDefault:"dev-secret-pepper"`
	CVKKey        string `env:"CVK_KEY" envDefault:"dev-cvk"`
	CAVVKey       string `env:"CAVV_KEY" envDefault:"dev-cavv-key"`

	// PKCS#11 settings, only read by builds with the softhsm tag.
	HSMLib        string `env:"HSM_LIB"`
	HSMSlot       uint   `env:"HSM_SLOT"`
	HSMPin        string `env:"HSM_PIN"`
	HSMCVKLabel   string `env:"HSM_CVK_LABEL" envDefault:"cvk"`
	HSMSealPrefix string `env:"HSM_SEAL_PREFIX" envDefault:"seal-"`

	// IssuerRangesFile is an optional YAML BIN table replacing the built-in one.
	IssuerRangesFile string `env:"ISSUER_RANGES_FILE"`
	DefaultNetwork   string `env:"DEFAULT_NETWORK" envDefault:"visa"`
	// CardProduct is the category used when an issue request names none.
	CardProduct string `env:"CARD_PRODUCT" envDefault:"debit"`
	// ExpiryTZ is an IANA timezone name for expiry computations (e.g., "Australia/Sydney").
	ExpiryTZ string `env:"EXPIRY_TZ" envDefault:"UTC"`
	// ProductYears maps card product to validity years (e.g., credit=3, debit=5).
	ProductYears map[string]int `env:"PRODUCT_YEARS" envDefault:"credit:3,prepaid:4,debit:5"`

	// Default limits are min(account balance, cap) per limit.
	SpendingLimitCap       int64 `env:"SPENDING_LIMIT_CAP" envDefault:"1000000"`
	DailyLimitCap          int64 `env:"DAILY_LIMIT_CAP" envDefault:"200000"`
	MonthlyLimitCap        int64 `env:"MONTHLY_LIMIT_CAP" envDefault:"1000000"`
	PerTransactionLimitCap int64 `env:"PER_TRANSACTION_LIMIT_CAP" envDefault:"100000"`

	OTPLength      int           `env:"OTP_LENGTH" envDefault:"6"`
	OTPTTL         time.Duration `env:"OTP_TTL" envDefault:"5m"`
	OTPMaxAttempts int           `env:"OTP_MAX_ATTEMPTS" envDefault:"3"`
	OTPMaxResends  int           `env:"OTP_MAX_RESENDS" envDefault:"3"`
	OTPBcryptCost  int           `env:"OTP_BCRYPT_COST" envDefault:"10"`
	// OTPEchoCode returns the plaintext code in the create response.
	// Simulation only.
	OTPEchoCode bool `env:"OTP_ECHO_CODE" envDefault:"false"`

	SMTPHost       string   `env:"SMTP_HOST"`
	SMTPPort       int      `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser       string   `env:"SMTP_USER"`
	SMTPPassword   string   `env:"SMTP_PASSWORD"`
	SMTPFrom       string   `env:"SMTP_FROM" envDefault:"3ds@virtualcard.local"`
	SMSWebhookURL  string   `env:"SMS_WEBHOOK_URL"`
	KafkaBrokers   []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaPushTopic string   `env:"KAFKA_PUSH_TOPIC" envDefault:"threeds.otp"`

	// SweepSpec is the cron spec for expiring overdue cards and challenges.
	SweepSpec    string `env:"SWEEP_SPEC" envDefault:"@every 1m"`
	SnapshotFile string `env:"SNAPSHOT_FILE"`
	// ProviderURL enables external issuance through an issuing provider.
	ProviderURL string `env:"PROVIDER_URL"`
}

// LoadConfig reads the configuration from the process environment.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the envDefault values without reading the environment.
func DefaultConfig() *Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

func (c *Config) Validate() error {
	switch c.RepoBackend {
	case "mem":
	case "pg":
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required for pg backend")
		}
	default:
		return fmt.Errorf("unsupported REPO_BACKEND=%s", c.RepoBackend)
	}
	switch c.ChallengeBackend {
	case "mem":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for redis challenge backend")
		}
	default:
		return fmt.Errorf("unsupported CHALLENGE_BACKEND=%s", c.ChallengeBackend)
	}
	if c.SnapshotFile != "" && (c.RepoBackend != "mem" || c.ChallengeBackend != "mem") {
		return fmt.Errorf("SNAPSHOT_FILE is only supported with mem backends")
	}
	if len(c.SealMasterKey) < 16 {
		return fmt.Errorf("SEAL_MASTER_KEY must be at least 16 bytes")
	}
	if c.OTPLength < 4 || c.OTPLength > 10 {
		return fmt.Errorf("OTP_LENGTH must be within 4..10")
	}
	if c.OTPTTL <= 0 || c.OTPMaxAttempts <= 0 || c.OTPMaxResends < 0 {
		return fmt.Errorf("OTP_TTL and OTP_MAX_ATTEMPTS must be positive")
	}
	if c.SpendingLimitCap < 0 || c.DailyLimitCap < 0 || c.MonthlyLimitCap < 0 || c.PerTransactionLimitCap < 0 {
		return fmt.Errorf("limit caps must not be negative")
	}
	return nil
}
