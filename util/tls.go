package util

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	rootcerts "github.com/hashicorp/go-rootcerts"
	"github.com/hashicorp/vault/sdk/helper/certutil"
	"github.com/pkg/errors"

	"github.com/quarrydb/quarry-plugin-auth-ldap/models"
)

// TLSClientConfig assembles the client TLS configuration for ldaps
// connections. The truststore, when configured, replaces the system roots;
// the keystore, when configured, supplies the client certificate presented
// to servers that request one. Both stores are PEM bundles.
func TLSClientConfig(config *models.LdapConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if path, ok := config.TrustStorePath(); ok && path != "" {
		pool, err := rootcerts.LoadCACerts(&rootcerts.Config{CAFile: path})
		if err != nil {
			return nil, errors.Wrapf(err, "loading truststore %s", path)
		}
		tlsConfig.RootCAs = pool
	}

	if path, ok := config.KeystorePath(); ok && path != "" {
		certificate, err := loadKeystore(path, config)
		if err != nil {
			return nil, errors.Wrapf(err, "loading keystore %s", path)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}

	return tlsConfig, nil
}

func loadKeystore(path string, config *models.LdapConfig) (tls.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}

	password, hasPassword := config.KeystorePassword()
	decrypted, err := decryptPEM(raw, password, hasPassword)
	if err != nil {
		return tls.Certificate{}, err
	}

	parsed, err := certutil.ParsePEMBundle(string(decrypted))
	if err != nil {
		return tls.Certificate{}, err
	}
	if parsed.PrivateKey == nil {
		return tls.Certificate{}, errors.New("keystore bundle contains no private key")
	}
	if parsed.Certificate == nil {
		return tls.Certificate{}, errors.New("keystore bundle contains no certificate")
	}

	certificate := tls.Certificate{
		Certificate: [][]byte{parsed.CertificateBytes},
		PrivateKey:  parsed.PrivateKey,
		Leaf:        parsed.Certificate,
	}
	for _, block := range parsed.CAChain {
		certificate.Certificate = append(certificate.Certificate, block.Bytes)
	}
	return certificate, nil
}

// decryptPEM rewrites a PEM bundle with any RFC 1423 encrypted blocks
// replaced by their decrypted form. Unencrypted bundles pass through
// unchanged.
func decryptPEM(raw []byte, password models.Secret, hasPassword bool) ([]byte, error) {
	var out []byte
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if x509.IsEncryptedPEMBlock(block) {
			if !hasPassword {
				return nil, errors.New("keystore is encrypted but no keystore password is configured")
			}
			der, err := x509.DecryptPEMBlock(block, []byte(password.Plaintext()))
			if err != nil {
				return nil, errors.Wrap(err, "decrypting keystore")
			}
			block = &pem.Block{Type: block.Type, Bytes: der}
		}
		out = append(out, pem.EncodeToMemory(block)...)
	}
	if len(out) == 0 {
		return nil, errors.New("no PEM data found")
	}
	return out, nil
}
