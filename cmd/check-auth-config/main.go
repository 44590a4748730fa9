package main

/*

This tool is for checking a password-authenticator.properties file without
starting the server. It runs the exact rules startup runs and reports every
violation at once. Usage:

	$ check-auth-config /etc/quarry/password-authenticator.properties
	$ check-auth-config -show /etc/quarry/password-authenticator.properties

With -show, the effective settings are printed on success with secrets
redacted.
*/

import (
	"flag"
	"fmt"
	"log"

	ldapauth "github.com/quarrydb/quarry-plugin-auth-ldap"
)

var show = flag.Bool("show", false, "print the effective settings after a successful check")

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("exactly one properties file path is required")
	}
	path := flag.Arg(0)

	config, err := ldapauth.LoadConfigFile(path)
	if err != nil {
		log.Fatalf("configuration rejected:\n%s", err)
	}
	if err := ldapauth.CheckConfig(config); err != nil {
		log.Fatalf("configuration rejected:\n%s", err)
	}

	if *show {
		for _, pair := range ldapauth.DescribeConfig(config) {
			fmt.Printf("%s=%s\n", pair[0], pair[1])
		}
	}
	log.Printf("%s passes every startup check", path)
}
