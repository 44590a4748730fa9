package main

/*

This tool generates throwaway TLS material for developing against a local
directory: a CA to use as the truststore, a server certificate and key for
the directory side, and a client keystore bundle. Usage:

	$ make-test-stores -host=ldap.example.com
*/

import (
	"flag"
	"fmt"
	"log"

	"github.com/quarrydb/quarry-plugin-auth-ldap/testing/certificates"
)

var host = flag.String("host", "localhost", `The hostname the server certificate is issued for`)

func main() {
	flag.Parse()

	stores, err := certificates.Generate(*host)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("path to use as ldap.ssl.truststore.path: %s\n", stores.PathToTrustStore)
	fmt.Printf("path to use as ldap.ssl.keystore.path: %s\n", stores.PathToKeystore)
	fmt.Printf("server certificate for the directory:\n%s", stores.ServerCertificate)
	fmt.Printf("server key for the directory:\n%s", stores.ServerKey)
}
