package main

/*

This is the plugin binary the Quarry server launches when
password-authenticator.name=ldap. Usage:

	$ quarry-plugin-auth-ldap -config=/etc/quarry/password-authenticator.properties

The process validates the configuration, aborts on any violation, and then
serves authentication requests over the plugin handshake until the host
tears it down.
*/

import (
	"flag"
	"os"

	"github.com/hashicorp/go-hclog"

	ldapauth "github.com/quarrydb/quarry-plugin-auth-ldap"
)

var (
	configPath = flag.String("config", "/etc/quarry/password-authenticator.properties", `The path to the authenticator properties file`)
	logLevel   = flag.String("log-level", "info", `Log level: trace, debug, info, warn, or error`)
)

func main() {
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "quarry-plugin-auth-ldap",
		Level: hclog.LevelFromString(*logLevel),
	})

	config, err := ldapauth.LoadConfigFile(*configPath)
	if err != nil {
		logger.Error("configuration rejected", "path", *configPath, "error", err.Error())
		os.Exit(1)
	}

	client, err := ldapauth.NewClient(config, logger)
	if err != nil {
		logger.Error("directory client setup failed", "error", err.Error())
		os.Exit(1)
	}

	backend, err := ldapauth.NewBackend(config, client, logger)
	if err != nil {
		logger.Error("configuration rejected", "path", *configPath, "error", err.Error())
		os.Exit(1)
	}

	logger.Info("serving LDAP password authentication", "url", config.LdapURL())
	ldapauth.Serve(backend)
}
