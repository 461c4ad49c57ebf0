package cardgen

import "strconv"

// Network is a card scheme recognised by its issuer-range prefix.
type Network string

const (
	NetworkVisa       Network = "visa"
	NetworkMastercard Network = "mastercard"
	NetworkAmex       Network = "amex"
	NetworkDiscover   Network = "discover"
	NetworkJCB        Network = "jcb"
	NetworkUnionPay   Network = "unionpay"
	NetworkUnknown    Network = "unknown"
)

// Tier is the card program level inside a network.
type Tier string

const (
	TierStandard Tier = "standard"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierBlack    Tier = "black"
)

// ParseNetwork maps a user-supplied name to a Network, or NetworkUnknown.
func ParseNetwork(s string) Network {
	switch n := Network(s); n {
	case NetworkVisa, NetworkMastercard, NetworkAmex, NetworkDiscover, NetworkJCB, NetworkUnionPay:
		return n
	}
	return NetworkUnknown
}

// prefixRule matches the first width digits against the inclusive range lo..hi.
type prefixRule struct {
	network Network
	width   int
	lo, hi  int
}

// classifyRules are ordered widest prefix first so that a short class never
// shadows a longer numeric range sharing its leading digits
// (e.g. mastercard 2221-2720 before anything keyed on "2").
var classifyRules = []prefixRule{
	{NetworkMastercard, 4, 2221, 2720},
	{NetworkDiscover, 4, 6011, 6011},
	{NetworkJCB, 4, 3528, 3589},
	{NetworkDiscover, 3, 644, 649},
	{NetworkAmex, 2, 34, 34},
	{NetworkAmex, 2, 37, 37},
	{NetworkMastercard, 2, 51, 55},
	{NetworkDiscover, 2, 65, 65},
	{NetworkUnionPay, 2, 62, 62},
	{NetworkVisa, 1, 4, 4},
}

// Classify returns the network whose prefix range matches pan.
// Input that is not purely numeric yields NetworkUnknown.
func Classify(pan string) Network {
	if pan == "" || !IsDigits(pan) {
		return NetworkUnknown
	}
	for _, r := range classifyRules {
		if len(pan) < r.width {
			continue
		}
		v, err := strconv.Atoi(pan[:r.width])
		if err != nil {
			return NetworkUnknown
		}
		if v >= r.lo && v <= r.hi {
			return r.network
		}
	}
	return NetworkUnknown
}
