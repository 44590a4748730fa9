package main

/*

This tool is for verifying that the PEM bundles configured as
ldap.ssl.truststore.path and ldap.ssl.keystore.path work together.
Usage (example is using the tool from the repository root):

	$ verify-stores \
		-truststore=/etc/quarry/ldap-ca.pem \
		-keystore=/etc/quarry/ldap-client.pem \
		-keystore-password=changeit \
		-debug=true

*/

import (
	"crypto/x509"
	"flag"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/quarrydb/quarry-plugin-auth-ldap/models"
	"github.com/quarrydb/quarry-plugin-auth-ldap/util"
)

var (
	// The CA bundle the directory server's certificate chains to, usually
	// handed out by whoever operates the LDAP servers.
	pathToTrustStore = flag.String("truststore", "", `The path to the CA bundle: '/path/to/truststore.pem'`)

	// The client certificate and key presented to directories that require
	// mutual TLS.
	pathToKeystore = flag.String("keystore", "", `The path to the client certificate and key bundle: '/path/to/keystore.pem'`)

	keystorePassword = flag.String("keystore-password", "", `The password for an encrypted keystore key, if any`)

	debugLevel = flag.Bool("debug", false, `Set to "true" for debug-level logging`)
)

func main() {
	flag.Parse()

	loggerOpts := hclog.DefaultOptions
	if debugLevel != nil && *debugLevel {
		loggerOpts.Level = hclog.Debug
	}
	logger := hclog.New(loggerOpts)

	if (pathToTrustStore == nil || *pathToTrustStore == "") && (pathToKeystore == nil || *pathToKeystore == "") {
		logger.Error(`at least one of "truststore" or "keystore" is required`)
		os.Exit(1)
	}
	logger.Debug("truststore: " + *pathToTrustStore)
	logger.Debug("keystore: " + *pathToKeystore)

	config := models.NewLdapConfig()
	if *pathToTrustStore != "" {
		config.SetTrustStorePath(*pathToTrustStore)
	}
	if *pathToKeystore != "" {
		config.SetKeystorePath(*pathToKeystore)
	}
	if *keystorePassword != "" {
		config.SetKeystorePassword(*keystorePassword)
	}

	// Load the stores the same way the authenticator does at startup.
	tlsConfig, err := util.TLSClientConfig(config)
	if err != nil {
		logger.Error(fmt.Sprintf("couldn't load the given stores: %s", err))
		os.Exit(1)
	}
	if tlsConfig.RootCAs == nil && len(tlsConfig.Certificates) == 0 {
		logger.Error("the given stores contained no usable TLS material")
		os.Exit(1)
	}

	// When both stores are given, make sure the keystore certificate was
	// issued by one of the truststore CAs.
	if tlsConfig.RootCAs != nil && len(tlsConfig.Certificates) > 0 {
		keystoreCert := tlsConfig.Certificates[0]
		logger.Debug("keystore certificate subject: " + keystoreCert.Leaf.Subject.String())

		intermediates := x509.NewCertPool()
		for _, rawCert := range keystoreCert.Certificate[1:] {
			chainCert, err := x509.ParseCertificate(rawCert)
			if err != nil {
				logger.Error(fmt.Sprintf("couldn't parse a keystore chain certificate: %s", err))
				os.Exit(1)
			}
			intermediates.AddCert(chainCert)
		}
		if _, err := keystoreCert.Leaf.Verify(x509.VerifyOptions{
			Roots:         tlsConfig.RootCAs,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			logger.Error(fmt.Sprintf("keystore certificate wasn't issued by a truststore CA: %s", err))
			os.Exit(1)
		}
	}
	logger.Info("successfully verified that the given stores are usable for ldaps:// connections")
	os.Exit(0)
}
