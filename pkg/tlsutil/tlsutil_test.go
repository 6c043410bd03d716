package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateTestCert creates a self-signed certificate for testing
func generateTestCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   "localhost",
		},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM
}

// setupTestFiles writes a cert/key pair; the cert doubles as its own CA
func setupTestFiles(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	dir := t.TempDir()
	certPEM, keyPEM := generateTestCert(t)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	caFile = filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o644))
	return certFile, keyFile, caFile
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t)

	t.Run("disabled", func(t *testing.T) {
		cfg, err := LoadServerTLSConfig(ServerConfig{CertFile: certFile, KeyFile: keyFile})
		require.NoError(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("enabled", func(t *testing.T) {
		cfg, err := LoadServerTLSConfig(ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"})
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Len(t, cfg.Certificates, 1)
		assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
		assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
	})

	t.Run("client certs", func(t *testing.T) {
		cfg, err := LoadServerTLSConfig(ServerConfig{
			Enabled: true, CertFile: certFile, KeyFile: keyFile,
			ClientCAFiles: []string{caFile}, RequireClientCert: true,
		})
		require.NoError(t, err)
		assert.NotNil(t, cfg.ClientCAs)
		assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := LoadServerTLSConfig(ServerConfig{Enabled: true, CertFile: certFile, KeyFile: "/nonexistent/key.pem"})
		assert.Error(t, err)
	})

	t.Run("bad client CA", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.pem")
		require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o644))
		_, err := LoadServerTLSConfig(ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientCAFiles: []string{bad}})
		assert.ErrorContains(t, err, "invalid PEM data")
	})
}

func TestLoadClientTLSConfig(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t)

	cfg, err := LoadClientTLSConfig(ClientConfig{CAFiles: []string{caFile}})
	require.NoError(t, err)
	assert.Nil(t, cfg, "disabled")

	cfg, err = LoadClientTLSConfig(ClientConfig{Enabled: true, CAFiles: []string{caFile}, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.False(t, cfg.InsecureSkipVerify)

	_, err = LoadClientTLSConfig(ClientConfig{Enabled: true, CAFiles: []string{"/nonexistent/ca.pem"}})
	assert.Error(t, err)

	_, err = LoadClientTLSConfig(ClientConfig{Enabled: true, CertFile: certFile})
	assert.Error(t, err, "key file missing")
}

func TestHandshakeWithAdditionalCA(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t)

	serverCfg, err := LoadServerTLSConfig(ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	clientCfg, err := LoadClientTLSConfig(ClientConfig{Enabled: true, CAFiles: []string{caFile}})
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, conn.ConnectionState().HandshakeComplete)
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.0"))
}
