// Package certificates generates throwaway TLS material for tests and local
// development: a CA, a server certificate for a given host, and a client
// certificate, written out as the PEM truststore and keystore files the
// authenticator consumes.
package certificates

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// TestStores holds generated PEM material and the temp files it was written
// to. PathToTrustStore points at the CA certificate, PathToKeystore at a
// bundle holding the client key and certificate. Callers clean up with
// Close.
type TestStores struct {
	CACertificate     string
	ServerCertificate string
	ServerKey         string
	ClientCertificate string
	ClientKey         string

	PathToTrustStore string
	PathToKeystore   string

	tmpPaths []string
}

// Generate builds a CA, a server certificate valid for host and 127.0.0.1,
// and a client certificate, all freshly keyed. The truststore and keystore
// files land in the system temp directory.
func Generate(host string) (*TestStores, error) {
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	caTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Quarry Testing"},
			CommonName:   "quarry-test-ca",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, &caTemplate, &caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, err
	}

	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	serverTemplate := x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			Organization: []string{"Quarry Testing"},
			CommonName:   host,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{host},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	serverDER, err := x509.CreateCertificate(rand.Reader, &serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}

	clientKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	clientTemplate := x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject: pkix.Name{
			Organization: []string{"Quarry Testing"},
			CommonName:   "quarry-test-client",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	clientDER, err := x509.CreateCertificate(rand.Reader, &clientTemplate, caCert, &clientKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}

	stores := &TestStores{
		CACertificate:     encodePEM("CERTIFICATE", caDER),
		ServerCertificate: encodePEM("CERTIFICATE", serverDER),
		ServerKey:         encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(serverKey)),
		ClientCertificate: encodePEM("CERTIFICATE", clientDER),
		ClientKey:         encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(clientKey)),
	}

	stores.PathToTrustStore, err = stores.writeTemp("quarry-truststore-*.pem", stores.CACertificate)
	if err != nil {
		stores.Close()
		return nil, err
	}
	stores.PathToKeystore, err = stores.writeTemp("quarry-keystore-*.pem", stores.ClientKey+stores.ClientCertificate)
	if err != nil {
		stores.Close()
		return nil, err
	}
	return stores, nil
}

// Close removes the temp files written by Generate.
func (s *TestStores) Close() error {
	var result *multierror.Error
	for _, path := range s.tmpPaths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *TestStores) writeTemp(pattern, contents string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	s.tmpPaths = append(s.tmpPaths, f.Name())
	if _, err := f.WriteString(contents); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func encodePEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}
