package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alovak/virtualcard/internal/cardgen"
)

func TestNormalizeCardName(t *testing.T) {
	cases := []struct {
		in  string
		out string
	}{
		{"", ""},
		{"   ", ""},
		{"john  doe", "JOHN DOE"},
		{"  Alice\tSmith  ", "ALICE SMITH"},
		{"very very very very very long name here", "VERY VERY VERY VERY VERY L"},
	}
	for _, c := range cases {
		require.Equal(t, c.out, normalizeCardName(c.in), c.in)
	}
}

var now = time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)

func TestRun_Generate(t *testing.T) {
	var buf bytes.Buffer
	err := run(&buf, options{network: "amex", tier: "gold", count: 3, verbose: true, showCVV: true, cvk: "k", product: "credit", asJSON: true}, now)
	require.NoError(t, err)

	var out []generated
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 3)
	for _, g := range out {
		require.Len(t, g.PAN, 15)
		require.True(t, cardgen.Validate(g.PAN))
		require.Equal(t, cardgen.NetworkAmex, cardgen.Classify(g.PAN))
		require.Len(t, g.CVV, 4)
		require.Equal(t, "2904", g.Expiry)
	}
}

func TestRun_MasksByDefault(t *testing.T) {
	var buf bytes.Buffer
	err := run(&buf, options{network: "visa", tier: "standard", count: 1, asJSON: true}, now)
	require.NoError(t, err)

	var out []generated
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Contains(t, out[0].PAN, "*")
	require.Empty(t, out[0].CVV)
}

func TestRun_Validate(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, run(&buf, options{validate: "4111 1111 1111 1111"}, now))
	require.Contains(t, buf.String(), "VALID: true")
	require.Contains(t, buf.String(), "NETWORK: visa")
	require.NotContains(t, buf.String(), "4111111111111111")

	require.Error(t, run(&buf, options{validate: "not a pan"}, now))
}

func TestRun_ValidateExpiry(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, run(&buf, options{validate: "4111111111111111", expiry: "04/26"}, now))
	require.Contains(t, buf.String(), "EXPIRY: 2604")
	require.Contains(t, buf.String(), "EXPIRED: false")

	buf.Reset()
	require.NoError(t, run(&buf, options{validate: "4111111111111111", expiry: "0326"}, now))
	require.Contains(t, buf.String(), "EXPIRED: true")

	require.Error(t, run(&buf, options{validate: "4111111111111111", expiry: "13/26"}, now))
}

func TestRun_RejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, run(&buf, options{network: "diners", tier: "standard", count: 1}, now))
	require.Error(t, run(&buf, options{network: "visa", tier: "diamond", count: 1}, now))
	require.Error(t, run(&buf, options{network: "visa", tier: "standard", count: 0}, now))
}
