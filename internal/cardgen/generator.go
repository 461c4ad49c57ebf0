package cardgen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slog"
)

var (
	// ErrGenerationInvariant means generated identifiers kept failing their
	// own re-validation: the issuer-range table is broken.
	ErrGenerationInvariant = errors.New("generation invariant violated")
	// ErrUnknownRange means no prefix is configured for (network, tier).
	ErrUnknownRange = errors.New("unknown issuer range")
)

const defaultMaxRetries = 8

// Generator produces Luhn-valid identifiers from an injected issuer-range table.
type Generator struct {
	ranges     *IssuerRanges
	maxRetries int
	logger     *slog.Logger
	digits     func(n int) (string, error)
}

type GeneratorOption func(*Generator)

func WithMaxRetries(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.maxRetries = n
		}
	}
}

func WithLogger(logger *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewGenerator(ranges *IssuerRanges, opts ...GeneratorOption) *Generator {
	if ranges == nil {
		ranges = DefaultIssuerRanges()
	}
	g := &Generator{
		ranges:     ranges,
		maxRetries: defaultMaxRetries,
		logger:     slog.Default(),
		digits:     randomDigits,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Ranges() *IssuerRanges { return g.ranges }

// Generate builds prefix + random body + check digit and re-validates the
// result (Luhn, classification, exact length) before returning it.
func (g *Generator) Generate(network Network, tier Tier) (string, error) {
	prefix, ok := g.ranges.Prefix(network, tier)
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownRange, network, tier)
	}
	length := g.ranges.Length(network)
	fill := length - len(prefix) - 1
	if fill < 0 {
		return "", g.violation(network, tier, fmt.Sprintf("prefix %s longer than length %d", prefix, length))
	}

	var reason string
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		body, err := g.digits(fill)
		if err != nil {
			return "", fmt.Errorf("rand: %w", err)
		}
		partial := prefix + body
		pan := partial + ComputeCheckDigit(partial)

		switch {
		case len(pan) != length:
			reason = fmt.Sprintf("length %d want %d", len(pan), length)
		case !Validate(pan):
			reason = "luhn check failed"
		case Classify(pan) != network:
			reason = fmt.Sprintf("classified as %s", Classify(pan))
		default:
			return pan, nil
		}
	}
	return "", g.violation(network, tier, reason)
}

// GenerateUnique retries Generate until exists reports the identifier unused.
func (g *Generator) GenerateUnique(network Network, tier Tier, maxRetries int, exists func(string) (bool, error)) (string, error) {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	for i := 0; i <= maxRetries; i++ {
		pan, err := g.Generate(network, tier)
		if err != nil {
			return "", err
		}
		if exists == nil {
			return pan, nil
		}
		used, err := exists(pan)
		if err != nil {
			return "", fmt.Errorf("exists callback: %w", err)
		}
		if !used {
			return pan, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique PAN after %d retries", maxRetries)
}

func (g *Generator) violation(network Network, tier Tier, reason string) error {
	g.logger.Error("identifier generator self-check failed",
		slog.String("network", string(network)),
		slog.String("tier", string(tier)),
		slog.Int("attempts", g.maxRetries),
		slog.String("reason", reason),
	)
	return fmt.Errorf("%w: %s/%s: %s", ErrGenerationInvariant, network, tier, reason)
}

// randomDigits draws uniformly distributed digits using rejection sampling:
// only bytes below 250 are kept so that b%10 carries no modulo bias.
func randomDigits(count int) (string, error) {
	if count <= 0 {
		return "", nil
	}
	const threshold = 250
	var sb strings.Builder
	sb.Grow(count)
	buf := make([]byte, 64)
	for sb.Len() < count {
		n, err := rand.Read(buf)
		if err != nil {
			return "", err
		}
		for i := 0; i < n && sb.Len() < count; i++ {
			if b := buf[i]; b < threshold {
				sb.WriteByte('0' + (b % 10))
			}
		}
	}
	return sb.String(), nil
}

// RandomDigits exposes the unbiased digit source for other generators
// (CVV fallbacks, OTP codes).
func RandomDigits(count int) (string, error) { return randomDigits(count) }
