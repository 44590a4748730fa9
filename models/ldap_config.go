package models

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// DefaultCacheTTL is how long authentication results may be reused when the
// operator does not configure a TTL of their own.
const DefaultCacheTTL = time.Hour

// UserPlaceholder is the token inside bind and group search patterns that is
// replaced with the username presented at authentication time.
const UserPlaceholder = "${USER}"

var ldapURLPattern = regexp.MustCompile(`^ldaps?://.*`)

// ErrNilUserBindSearchPatterns is returned by SetUserBindSearchPatternList
// when it is handed a nil list. An empty list is legal; nil is a caller bug.
var ErrNilUserBindSearchPatterns = errors.New("userBindSearchPatterns list is nil")

// LdapConfig holds the connectivity and search parameters for password
// authentication against an LDAP directory. It is populated once at startup
// through its setters, checked once with Validate, and afterwards shared
// read-only across every authentication request; nothing may mutate it after
// validation has passed.
//
// Optional fields distinguish "never configured" from "configured to a
// value": their accessors return an ok bool, and downstream consumers pick
// their own defaults when a value is absent.
type LdapConfig struct {
	ldapURL                         string
	allowInsecure                   bool
	keystorePath                    *string
	keystorePassword                *Secret
	trustStorePath                  *string
	truststorePassword              *Secret
	userBindSearchPatterns          []string
	groupAuthorizationSearchPattern *string
	userBaseDistinguishedName       *string
	bindDistinguishedName           *string
	bindPassword                    *Secret
	ignoreReferrals                 bool
	cacheTTL                        time.Duration
	connectionTimeout               *time.Duration
	readTimeout                     *time.Duration
}

func NewLdapConfig() *LdapConfig {
	return &LdapConfig{
		userBindSearchPatterns: []string{},
		cacheTTL:               DefaultCacheTTL,
	}
}

// SetLdapURL stores the directory URL verbatim: no trailing-slash stripping,
// no case folding. The ldap:// or ldaps:// scheme requirement is enforced by
// Validate, not here.
func (c *LdapConfig) SetLdapURL(url string) *LdapConfig {
	c.ldapURL = url
	return c
}

// SetAllowInsecure permits plaintext ldap:// URLs. Without it, Validate
// rejects any URL that does not use ldaps://.
func (c *LdapConfig) SetAllowInsecure(allowInsecure bool) *LdapConfig {
	c.allowInsecure = allowInsecure
	return c
}

// SetKeystorePath points at the PEM file holding the client certificate and
// key presented to the directory. Validate checks that the file is readable.
func (c *LdapConfig) SetKeystorePath(path string) *LdapConfig {
	c.keystorePath = &path
	return c
}

func (c *LdapConfig) SetKeystorePassword(password string) *LdapConfig {
	secret := Secret(password)
	c.keystorePassword = &secret
	return c
}

// SetTrustStorePath points at the PEM bundle of CA certificates used to
// verify the directory's TLS certificate. Validate checks that the file is
// readable.
func (c *LdapConfig) SetTrustStorePath(path string) *LdapConfig {
	c.trustStorePath = &path
	return c
}

func (c *LdapConfig) SetTruststorePassword(password string) *LdapConfig {
	secret := Secret(password)
	c.truststorePassword = &secret
	return c
}

// SetUserBindSearchPatterns parses a colon-delimited list of bind templates,
// for example "uid=${USER},ou=people,dc=example,dc=com:${USER}@example.com".
// Segments are trimmed, empty segments are dropped, and order is preserved;
// the authenticator tries each template in turn until one binds.
func (c *LdapConfig) SetUserBindSearchPatterns(patterns string) *LdapConfig {
	parts := strings.Split(patterns, ":")
	parsed := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		parsed = append(parsed, part)
	}
	c.userBindSearchPatterns = parsed
	return c
}

// SetUserBindSearchPatternList is the programmatic variant taking an already
// split list. The list is stored as given, order preserved, entries verbatim.
// A nil list is rejected with ErrNilUserBindSearchPatterns.
func (c *LdapConfig) SetUserBindSearchPatternList(patterns []string) error {
	if patterns == nil {
		return ErrNilUserBindSearchPatterns
	}
	c.userBindSearchPatterns = make([]string, len(patterns))
	copy(c.userBindSearchPatterns, patterns)
	return nil
}

// SetGroupAuthorizationSearchPattern stores an LDAP filter template checked
// after a successful bind, for example
// "(&(objectClass=user)(memberOf=cn=group)(user=${USER}))".
func (c *LdapConfig) SetGroupAuthorizationSearchPattern(pattern string) *LdapConfig {
	c.groupAuthorizationSearchPattern = &pattern
	return c
}

// SetUserBaseDistinguishedName stores the base DN under which user searches
// run, for example "dc=example,dc=com".
func (c *LdapConfig) SetUserBaseDistinguishedName(baseDN string) *LdapConfig {
	c.userBaseDistinguishedName = &baseDN
	return c
}

// SetBindDistinguishedName stores the DN of the service account used to
// search for user entries before validating their passwords.
func (c *LdapConfig) SetBindDistinguishedName(bindDN string) *LdapConfig {
	c.bindDistinguishedName = &bindDN
	return c
}

func (c *LdapConfig) SetBindPassword(password string) *LdapConfig {
	secret := Secret(password)
	c.bindPassword = &secret
	return c
}

// SetIgnoreReferrals restricts searches to the configured server instead of
// surfacing referrals to other directory servers.
func (c *LdapConfig) SetIgnoreReferrals(ignore bool) *LdapConfig {
	c.ignoreReferrals = ignore
	return c
}

func (c *LdapConfig) SetCacheTTL(ttl time.Duration) *LdapConfig {
	c.cacheTTL = ttl
	return c
}

func (c *LdapConfig) SetConnectionTimeout(timeout time.Duration) *LdapConfig {
	c.connectionTimeout = &timeout
	return c
}

func (c *LdapConfig) SetReadTimeout(timeout time.Duration) *LdapConfig {
	c.readTimeout = &timeout
	return c
}

// LdapURL returns the raw directory URL, or "" when it was never set.
func (c *LdapConfig) LdapURL() string {
	return c.ldapURL
}

func (c *LdapConfig) AllowInsecure() bool {
	return c.allowInsecure
}

func (c *LdapConfig) KeystorePath() (string, bool) {
	if c.keystorePath == nil {
		return "", false
	}
	return *c.keystorePath, true
}

func (c *LdapConfig) KeystorePassword() (Secret, bool) {
	if c.keystorePassword == nil {
		return "", false
	}
	return *c.keystorePassword, true
}

func (c *LdapConfig) TrustStorePath() (string, bool) {
	if c.trustStorePath == nil {
		return "", false
	}
	return *c.trustStorePath, true
}

func (c *LdapConfig) TruststorePassword() (Secret, bool) {
	if c.truststorePassword == nil {
		return "", false
	}
	return *c.truststorePassword, true
}

// UserBindSearchPatterns returns the ordered bind templates. The returned
// slice is a copy; mutating it does not touch the configuration.
func (c *LdapConfig) UserBindSearchPatterns() []string {
	patterns := make([]string, len(c.userBindSearchPatterns))
	copy(patterns, c.userBindSearchPatterns)
	return patterns
}

func (c *LdapConfig) GroupAuthorizationSearchPattern() (string, bool) {
	if c.groupAuthorizationSearchPattern == nil {
		return "", false
	}
	return *c.groupAuthorizationSearchPattern, true
}

func (c *LdapConfig) UserBaseDistinguishedName() (string, bool) {
	if c.userBaseDistinguishedName == nil {
		return "", false
	}
	return *c.userBaseDistinguishedName, true
}

func (c *LdapConfig) BindDistinguishedName() (string, bool) {
	if c.bindDistinguishedName == nil {
		return "", false
	}
	return *c.bindDistinguishedName, true
}

func (c *LdapConfig) BindPassword() (Secret, bool) {
	if c.bindPassword == nil {
		return "", false
	}
	return *c.bindPassword, true
}

func (c *LdapConfig) IgnoreReferrals() bool {
	return c.ignoreReferrals
}

func (c *LdapConfig) CacheTTL() time.Duration {
	return c.cacheTTL
}

func (c *LdapConfig) ConnectionTimeout() (time.Duration, bool) {
	if c.connectionTimeout == nil {
		return 0, false
	}
	return *c.connectionTimeout, true
}

func (c *LdapConfig) ReadTimeout() (time.Duration, bool) {
	if c.readTimeout == nil {
		return 0, false
	}
	return *c.readTimeout, true
}

// IsURLConfigurationValid reports whether the URL/insecure combination is
// safe: either the URL uses ldaps://, or the operator explicitly allowed an
// insecure connection. An unset URL counts as the empty string here; the
// required-URL rule is enforced separately by Validate.
func (c *LdapConfig) IsURLConfigurationValid() bool {
	return strings.HasPrefix(c.ldapURL, "ldaps://") || c.allowInsecure
}

// Validate runs every configuration rule and aggregates all failures into a
// single error so an operator sees the full list of problems at once. It is
// called once, after the setters have run; a non-nil result must abort
// startup. The only side effect is opening the configured store files to
// confirm they exist and are readable.
func (c *LdapConfig) Validate() error {
	var result *multierror.Error

	if c.ldapURL == "" {
		result = multierror.Append(result, errors.New("no LDAP server URL is configured"))
	} else if !ldapURLPattern.MatchString(c.ldapURL) {
		result = multierror.Append(result, fmt.Errorf("invalid LDAP server URL %q: expected ldap:// or ldaps://", c.ldapURL))
	}

	if !c.IsURLConfigurationValid() {
		result = multierror.Append(result, errors.New("connecting to the LDAP server without SSL enabled requires `ldap.allow-insecure=true`"))
	}

	if c.keystorePath != nil && *c.keystorePath != "" {
		if err := checkReadableFile("keystore path", *c.keystorePath); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.trustStorePath != nil && *c.trustStorePath != "" {
		if err := checkReadableFile("truststore path", *c.trustStorePath); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if c.userBindSearchPatterns == nil {
		result = multierror.Append(result, ErrNilUserBindSearchPatterns)
	}

	return result.ErrorOrNil()
}

func checkReadableFile(field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%s %q is not a readable file: %v", field, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%s %q is not a readable file: %v", field, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s %q is a directory, expected a file", field, path)
	}
	return nil
}
