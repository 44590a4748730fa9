package ldapauth

import (
	"sort"
	"strconv"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/vault/sdk/helper/parseutil"
	"github.com/magiconair/properties"
	"github.com/pkg/errors"

	"github.com/quarrydb/quarry-plugin-auth-ldap/models"
)

const (
	// KeyAuthenticatorName selects the password authenticator implementation
	// in a Quarry password-authenticator.properties file. LoadConfigFile
	// checks it and strips it before the remaining properties are bound.
	KeyAuthenticatorName = "password-authenticator.name"

	// AuthenticatorName is the value of KeyAuthenticatorName that this
	// authenticator serves.
	AuthenticatorName = "ldap"
)

// Property keys bound by LoadConfig.
const (
	KeyURL                = "ldap.url"
	KeyAllowInsecure      = "ldap.allow-insecure"
	KeyKeystorePath       = "ldap.ssl.keystore.path"
	KeyKeystorePassword   = "ldap.ssl.keystore.password"
	KeyTruststorePath     = "ldap.ssl.truststore.path"
	KeyTruststorePassword = "ldap.ssl.truststore.password"
	KeyUserBindPattern    = "ldap.user-bind-pattern"
	KeyGroupAuthPattern   = "ldap.group-auth-pattern"
	KeyUserBaseDN         = "ldap.user-base-dn"
	KeyBindDN             = "ldap.bind-dn"
	KeyBindPassword       = "ldap.bind-password"
	KeyIgnoreReferrals    = "ldap.ignore-referrals"
	KeyCacheTTL           = "ldap.cache-ttl"
	KeyConnectTimeout     = "ldap.timeout.connect"
	KeyReadTimeout        = "ldap.timeout.read"
)

// defunctKeys maps properties an earlier release accepted to the key that
// replaced them. Their presence is an error rather than a warning: silently
// ignoring them would leave the operator believing the old setting still
// applies.
var defunctKeys = map[string]string{
	"ldap.ssl-trust-certificate": KeyTruststorePath,
}

var knownKeys = map[string]struct{}{
	KeyURL:                {},
	KeyAllowInsecure:      {},
	KeyKeystorePath:       {},
	KeyKeystorePassword:   {},
	KeyTruststorePath:     {},
	KeyTruststorePassword: {},
	KeyUserBindPattern:    {},
	KeyGroupAuthPattern:   {},
	KeyUserBaseDN:         {},
	KeyBindDN:             {},
	KeyBindPassword:       {},
	KeyIgnoreReferrals:    {},
	KeyCacheTTL:           {},
	KeyConnectTimeout:     {},
	KeyReadTimeout:        {},
}

// LoadConfig binds a flat key/value map onto a validated LdapConfig.
// Problems are reported a stage at a time, with every problem of the failing
// stage aggregated into one error: first bad keys (defunct or unknown), then
// values that do not parse, then the configuration rules enforced by
// (*models.LdapConfig).Validate.
func LoadConfig(raw map[string]string) (*models.LdapConfig, error) {
	if err := checkKeys(raw); err != nil {
		return nil, err
	}

	config := models.NewLdapConfig()
	var bindErrs *multierror.Error

	if value, ok := raw[KeyURL]; ok {
		config.SetLdapURL(value)
	}
	bindErrs = multierror.Append(bindErrs, bindBool(raw, KeyAllowInsecure, config.SetAllowInsecure))
	if value, ok := raw[KeyKeystorePath]; ok {
		config.SetKeystorePath(value)
	}
	if value, ok := raw[KeyKeystorePassword]; ok {
		config.SetKeystorePassword(value)
	}
	if value, ok := raw[KeyTruststorePath]; ok {
		config.SetTrustStorePath(value)
	}
	if value, ok := raw[KeyTruststorePassword]; ok {
		config.SetTruststorePassword(value)
	}
	if value, ok := raw[KeyUserBindPattern]; ok {
		config.SetUserBindSearchPatterns(value)
	}
	if value, ok := raw[KeyGroupAuthPattern]; ok {
		config.SetGroupAuthorizationSearchPattern(value)
	}
	if value, ok := raw[KeyUserBaseDN]; ok {
		config.SetUserBaseDistinguishedName(value)
	}
	if value, ok := raw[KeyBindDN]; ok {
		config.SetBindDistinguishedName(value)
	}
	if value, ok := raw[KeyBindPassword]; ok {
		config.SetBindPassword(value)
	}
	bindErrs = multierror.Append(bindErrs, bindBool(raw, KeyIgnoreReferrals, config.SetIgnoreReferrals))
	bindErrs = multierror.Append(bindErrs, bindDuration(raw, KeyCacheTTL, config.SetCacheTTL))
	bindErrs = multierror.Append(bindErrs, bindDuration(raw, KeyConnectTimeout, config.SetConnectionTimeout))
	bindErrs = multierror.Append(bindErrs, bindDuration(raw, KeyReadTimeout, config.SetReadTimeout))

	if err := bindErrs.ErrorOrNil(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfigFile reads a Java-style properties file and binds it through
// LoadConfig. Value expansion is disabled so bind patterns keep their
// ${USER} placeholder verbatim instead of having it resolved against other
// keys or swallowed.
func LoadConfigFile(path string) (*models.LdapConfig, error) {
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	props, err := loader.LoadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading configuration file")
	}

	raw := props.Map()
	if name, ok := raw[KeyAuthenticatorName]; ok {
		if name != AuthenticatorName {
			return nil, errors.Errorf("%s is %q, this authenticator only handles %q", KeyAuthenticatorName, name, AuthenticatorName)
		}
		delete(raw, KeyAuthenticatorName)
	}
	return LoadConfig(raw)
}

// DescribeConfig renders the effective configuration as ordered display
// pairs using the property-key vocabulary operators know. Secret values
// render redacted; absent optionals are omitted.
func DescribeConfig(config *models.LdapConfig) [][2]string {
	pairs := [][2]string{
		{KeyURL, config.LdapURL()},
		{KeyAllowInsecure, strconv.FormatBool(config.AllowInsecure())},
	}
	if path, ok := config.KeystorePath(); ok {
		pairs = append(pairs, [2]string{KeyKeystorePath, path})
	}
	if password, ok := config.KeystorePassword(); ok {
		pairs = append(pairs, [2]string{KeyKeystorePassword, password.String()})
	}
	if path, ok := config.TrustStorePath(); ok {
		pairs = append(pairs, [2]string{KeyTruststorePath, path})
	}
	if password, ok := config.TruststorePassword(); ok {
		pairs = append(pairs, [2]string{KeyTruststorePassword, password.String()})
	}
	if patterns := config.UserBindSearchPatterns(); len(patterns) > 0 {
		pairs = append(pairs, [2]string{KeyUserBindPattern, strings.Join(patterns, ":")})
	}
	if pattern, ok := config.GroupAuthorizationSearchPattern(); ok {
		pairs = append(pairs, [2]string{KeyGroupAuthPattern, pattern})
	}
	if baseDN, ok := config.UserBaseDistinguishedName(); ok {
		pairs = append(pairs, [2]string{KeyUserBaseDN, baseDN})
	}
	if bindDN, ok := config.BindDistinguishedName(); ok {
		pairs = append(pairs, [2]string{KeyBindDN, bindDN})
	}
	if password, ok := config.BindPassword(); ok {
		pairs = append(pairs, [2]string{KeyBindPassword, password.String()})
	}
	pairs = append(pairs,
		[2]string{KeyIgnoreReferrals, strconv.FormatBool(config.IgnoreReferrals())},
		[2]string{KeyCacheTTL, config.CacheTTL().String()},
	)
	if timeout, ok := config.ConnectionTimeout(); ok {
		pairs = append(pairs, [2]string{KeyConnectTimeout, timeout.String()})
	}
	if timeout, ok := config.ReadTimeout(); ok {
		pairs = append(pairs, [2]string{KeyReadTimeout, timeout.String()})
	}
	return pairs
}

func checkKeys(raw map[string]string) error {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var result *multierror.Error
	for _, key := range keys {
		if replacement, ok := defunctKeys[key]; ok {
			result = multierror.Append(result, errors.Errorf("property %s is no longer supported, use %s instead", key, replacement))
			continue
		}
		if _, ok := knownKeys[key]; !ok {
			result = multierror.Append(result, errors.Errorf("unknown property %s", key))
		}
	}
	return result.ErrorOrNil()
}

func bindBool(raw map[string]string, key string, set func(bool) *models.LdapConfig) error {
	value, ok := raw[key]
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return errors.Errorf("property %s: %q is not a boolean", key, value)
	}
	set(parsed)
	return nil
}

func bindDuration(raw map[string]string, key string, set func(time.Duration) *models.LdapConfig) error {
	value, ok := raw[key]
	if !ok {
		return nil
	}
	parsed, err := parseutil.ParseDurationSecond(value)
	if err != nil {
		return errors.Wrapf(err, "property %s", key)
	}
	if parsed < 0 {
		return errors.Errorf("property %s: duration must not be negative, got %q", key, value)
	}
	set(parsed)
	return nil
}
