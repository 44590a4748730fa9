// Package ldapauth authenticates Quarry users against an LDAP directory.
// It holds the validated configuration model, the directory client, and the
// authentication backend the plugin host drives.
package ldapauth

import (
	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/quarrydb/quarry-plugin-auth-ldap/models"
	"github.com/quarrydb/quarry-plugin-auth-ldap/util"
)

// Backend answers authentication requests for one validated configuration.
// It is safe for concurrent use; nothing is mutated after NewBackend
// returns.
type Backend struct {
	config *models.LdapConfig
	client Client
	logger hclog.Logger

	// Successful authentications land here, keyed by a salted credential
	// digest. This cache's lifecycle is:
	//   - On a successful authentication, the digest is stored with the
	//     configured TTL.
	//   - Failures are never stored, so a fixed password works on the next
	//     attempt and a directory-side lockout still engages.
	//   - A cache TTL of zero leaves authCache nil and disables caching.
	authCache *cache.Cache
	cacheSalt []byte
}

// NewBackend wires a backend from a validated configuration and a directory
// client. Cross-field rules that only matter to the authenticator (which
// bind mode to run, what that mode requires) are enforced here, with every
// violation reported at once.
func NewBackend(config *models.LdapConfig, client Client, logger hclog.Logger) (*Backend, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if client == nil {
		return nil, errors.New("client is required")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := checkBindMode(config); err != nil {
		return nil, err
	}

	b := &Backend{
		config: config,
		client: client,
		logger: logger,
	}
	if ttl := config.CacheTTL(); ttl > 0 {
		b.authCache = cache.New(ttl, ttl)
		salt, err := util.NewCacheSalt()
		if err != nil {
			return nil, err
		}
		b.cacheSalt = salt
	} else {
		logger.Warn("authentication caching is disabled", "ldap.cache-ttl", ttl.String())
	}
	return b, nil
}

// checkBindMode verifies the configuration names a coherent bind mode.
// Service-bind mode (ldap.bind-dn set) needs the group pattern and user base
// DN to find the user's entry; direct-bind mode needs at least one bind
// pattern, and a group pattern additionally needs the user base DN to search
// under.
func checkBindMode(config *models.LdapConfig) error {
	var result *multierror.Error

	_, hasBindDN := config.BindDistinguishedName()
	_, hasBindPassword := config.BindPassword()
	_, hasGroupPattern := config.GroupAuthorizationSearchPattern()
	_, hasUserBaseDN := config.UserBaseDistinguishedName()

	if hasBindDN != hasBindPassword {
		result = multierror.Append(result, errors.New("ldap.bind-dn and ldap.bind-password must be set together"))
	}
	if hasBindDN {
		if !hasGroupPattern {
			result = multierror.Append(result, errors.New("ldap.group-auth-pattern is required when ldap.bind-dn is set"))
		}
		if !hasUserBaseDN {
			result = multierror.Append(result, errors.New("ldap.user-base-dn is required when ldap.bind-dn is set"))
		}
	} else {
		if len(config.UserBindSearchPatterns()) == 0 {
			result = multierror.Append(result, errors.New("ldap.user-bind-pattern is required when ldap.bind-dn is not set"))
		}
		if hasGroupPattern && !hasUserBaseDN {
			result = multierror.Append(result, errors.New("ldap.user-base-dn is required when ldap.group-auth-pattern is set"))
		}
	}
	return result.ErrorOrNil()
}

// Config returns the configuration the backend was built with.
func (b *Backend) Config() *models.LdapConfig {
	return b.config
}

// CheckConfig runs every load-time rule against a configuration: the field
// rules from Validate plus the bind-mode rules NewBackend enforces. It lets
// a tool report everything a real startup would reject, without touching the
// directory.
func CheckConfig(config *models.LdapConfig) error {
	var result *multierror.Error
	if err := config.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := checkBindMode(config); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
