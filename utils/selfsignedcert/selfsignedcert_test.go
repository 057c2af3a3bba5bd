package selfsignedcert

import (
	"crypto/x509"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCertificate(t *testing.T) {
	cert, err := GenerateCertificate("gateway.internal", "10.0.0.7")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	assert.Equal(t, "gateway.internal", parsed.Subject.CommonName)
	assert.Equal(t, []string{"gateway.internal"}, parsed.DNSNames)
	require.Len(t, parsed.IPAddresses, 1)
	assert.True(t, parsed.IPAddresses[0].Equal(net.ParseIP("10.0.0.7")))
	assert.NoError(t, parsed.VerifyHostname("gateway.internal"))
}

func TestGenerateCertificateDefaults(t *testing.T) {
	cert, err := GenerateCertificate()
	require.NoError(t, err)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, parsed.VerifyHostname("localhost"))
	assert.NoError(t, parsed.VerifyHostname("127.0.0.1"))
}
