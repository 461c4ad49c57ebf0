// Command cardgen generates and inspects simulated card numbers.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alovak/virtualcard/internal/cardgen"
	"github.com/alovak/virtualcard/internal/expiry"
	"github.com/alovak/virtualcard/internal/security"
)

type options struct {
	network  string
	tier     string
	count    int
	verbose  bool
	validate string
	expiry   string
	name     string
	product  string
	years    int
	showCVV  bool
	cvk      string
	ranges   string
	asJSON   bool
}

type generated struct {
	PAN      string `json:"pan"`
	Network  string `json:"network"`
	Expiry   string `json:"expiry"`
	CardFace string `json:"card_face"`
	CVV      string `json:"cvv,omitempty"`
}

func main() {
	var o options
	flag.StringVar(&o.network, "network", "visa", "card network: visa|mastercard|amex|discover|jcb|unionpay")
	flag.StringVar(&o.tier, "tier", "standard", "card tier: standard|gold|platinum|black")
	flag.IntVar(&o.count, "count", 1, "number of card numbers to generate")
	flag.BoolVar(&o.verbose, "verbose", false, "print full PAN (otherwise masked)")
	flag.StringVar(&o.validate, "validate", "", "validate and classify the given PAN instead of generating")
	flag.StringVar(&o.expiry, "expiry", "", "card face expiry MM/YY to check with -validate")
	flag.StringVar(&o.name, "card-name", "", "cardholder name for card face imprint")
	flag.StringVar(&o.product, "product", "debit", "card product: credit|debit|prepaid")
	flag.IntVar(&o.years, "years", 0, "override validity years (if > 0)")
	flag.BoolVar(&o.showCVV, "show-cvv", false, "print CVV to console (simulation only)")
	flag.StringVar(&o.cvk, "cvk", envOr("CVK_KEY", "dev-cvk"), "CVV key")
	flag.StringVar(&o.ranges, "ranges", os.Getenv("ISSUER_RANGES_FILE"), "YAML issuer range table")
	flag.BoolVar(&o.asJSON, "json", false, "print JSON")
	flag.Parse()

	if err := run(os.Stdout, o, time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(w io.Writer, o options, now time.Time) error {
	if o.validate != "" {
		return validate(w, o, now)
	}

	network := cardgen.ParseNetwork(strings.ToLower(o.network))
	if network == cardgen.NetworkUnknown {
		return fmt.Errorf("unknown network %q", o.network)
	}
	tier, ok := cardgen.ParseTier(o.tier)
	if !ok {
		return fmt.Errorf("unknown tier %q", o.tier)
	}
	if o.count <= 0 {
		return fmt.Errorf("-count must be positive")
	}

	ranges := cardgen.DefaultIssuerRanges()
	if o.ranges != "" {
		var err error
		if ranges, err = cardgen.LoadIssuerRangesFile(o.ranges); err != nil {
			return err
		}
	}
	gen := cardgen.NewGenerator(ranges)
	policy := expiry.Policy{ProductYears: expiry.DefaultProductYears()}
	years := policy.YearsForProduct(o.product, o.years)
	yymm := policy.YYMM(now, years)
	cvv := security.NewHMACProvider([]byte(o.cvk))
	name := normalizeCardName(o.name)

	out := make([]generated, 0, o.count)
	for i := 0; i < o.count; i++ {
		pan, err := gen.Generate(network, tier)
		if err != nil {
			return err
		}
		g := generated{
			PAN:      cardgen.Mask(pan),
			Network:  string(network),
			Expiry:   yymm,
			CardFace: strings.TrimSpace(policy.CardFace(now, years) + " " + name),
		}
		if o.verbose {
			g.PAN = pan
		}
		if o.showCVV {
			code, err := cvv.ComputeCVV2(pan[:len(pan)-1], yymm, security.ServiceCodeDefault, ranges.CVVLength(network))
			if err != nil {
				return err
			}
			g.CVV = code
		}
		out = append(out, g)
	}

	if o.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	for _, g := range out {
		fmt.Fprintf(w, "PAN: %s  NETWORK: %s  EXP: %s  FACE: %s", g.PAN, g.Network, g.Expiry, g.CardFace)
		if g.CVV != "" {
			fmt.Fprintf(w, "  CVV: %s", g.CVV)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func validate(w io.Writer, o options, now time.Time) error {
	pan := cardgen.NormalizePAN(o.validate)
	if !cardgen.IsDigits(pan) {
		return fmt.Errorf("%q is not a card number", o.validate)
	}
	fmt.Fprintf(w, "PAN: %s\nVALID: %t\nNETWORK: %s\n", cardgen.Mask(pan), cardgen.Validate(pan), cardgen.Classify(pan))
	if o.expiry == "" {
		return nil
	}

	yymm, err := expiry.ParseCardFace(o.expiry)
	if err != nil {
		return err
	}
	expired, err := expiry.Policy{}.IsExpired(yymm, now)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "EXPIRY: %s\nEXPIRED: %t\n", yymm, expired)
	return nil
}

// normalizeCardName upper-cases and collapses whitespace; card faces fit
// 26 characters.
func normalizeCardName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	up := strings.ToUpper(strings.Join(strings.Fields(trimmed), " "))
	if len(up) > 26 {
		return up[:26]
	}
	return up
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
