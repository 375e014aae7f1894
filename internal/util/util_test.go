package util

import (
	"crypto/x509"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice@example.com", "alice@example.com"},
		{"  Alice@Example.COM\t", "alice@example.com"},
		{"ａｌｉｃｅ@example.com", "alice@example.com"}, // fullwidth folds under NFKC
		{"café@example.com", "café@example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeEmail(tt.in), "input %q", tt.in)
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	require.NotNil(t, cert.Leaf)

	leaf := cert.Leaf
	assert.NoError(t, leaf.VerifyHostname("localhost"))
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))
	assert.Contains(t, leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.True(t, leaf.NotBefore.Before(time.Now()))
	assert.True(t, leaf.NotAfter.After(time.Now().Add(300*24*time.Hour)))

	other, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	assert.NotEqual(t, leaf.SerialNumber, other.Leaf.SerialNumber)
}

func TestParsePrefixes(t *testing.T) {
	got, err := ParsePrefixes([]string{"10.1.2.3/8", " 192.0.2.7 ", "::1"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.7/32"),
		netip.MustParsePrefix("::1/128"),
	}, got)

	got, err = ParsePrefixes(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParsePrefixes([]string{"10.0.0.0/8", "garbage"})
	assert.ErrorContains(t, err, "garbage")
}
