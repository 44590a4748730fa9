package ldapauth

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/quarrydb/quarry-plugin-auth-ldap/models"
	"github.com/quarrydb/quarry-plugin-auth-ldap/util"
)

var (
	// ErrInvalidCredentials covers every bind failure caused by the
	// credentials themselves, so a caller cannot distinguish a wrong
	// password from an unknown user.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUserDoesNotExist reports that the user search matched nothing.
	ErrUserDoesNotExist = errors.New("user does not exist")

	// ErrMultipleUsersExist reports that the user search was ambiguous.
	ErrMultipleUsersExist = errors.New("multiple users exist")
)

// Client performs the directory operations the authenticator needs. The
// production implementation dials a fresh connection per call; tests swap in
// a fake.
type Client interface {
	// ValidatePassword binds as userDN with the given password and reports
	// ErrInvalidCredentials when the directory rejects the pair.
	ValidatePassword(ctx context.Context, userDN string, password models.Secret) error

	// IsGroupMember reports whether filter matches at least one entry under
	// searchBase. The search runs bound as bindDN.
	IsGroupMember(ctx context.Context, searchBase, filter, bindDN string, bindPassword models.Secret) (bool, error)

	// LookupUserDistinguishedNames returns the DN of every entry matching
	// filter under searchBase. The search runs bound as bindDN.
	LookupUserDistinguishedNames(ctx context.Context, searchBase, filter, bindDN string, bindPassword models.Secret) ([]string, error)
}

type ldapClient struct {
	config    *models.LdapConfig
	tlsConfig *tls.Config
	logger    hclog.Logger
}

// NewClient builds the go-ldap backed Client for the given configuration.
// TLS material is loaded once, up front, so a bad store fails here rather
// than on the first authentication attempt.
func NewClient(config *models.LdapConfig, logger hclog.Logger) (Client, error) {
	tlsConfig, err := util.TLSClientConfig(config)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ldapClient{
		config:    config,
		tlsConfig: tlsConfig,
		logger:    logger,
	}, nil
}

func (c *ldapClient) ValidatePassword(ctx context.Context, userDN string, password models.Secret) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Bind(userDN, password.Plaintext()); err != nil {
		return wrapBindError(err, userDN)
	}
	return nil
}

// wrapBindError maps a credential rejection to ErrInvalidCredentials and
// keeps any other cause, naming the DN the bind ran as. The DN may be a
// user's own entry or the configured service account.
func wrapBindError(err error, bindDN string) error {
	if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
		return errors.Wrapf(ErrInvalidCredentials, "binding as %s", bindDN)
	}
	return errors.Wrapf(err, "binding as %s", bindDN)
}

func (c *ldapClient) IsGroupMember(ctx context.Context, searchBase, filter, bindDN string, bindPassword models.Secret) (bool, error) {
	result, err := c.searchAs(ctx, bindDN, bindPassword, searchBase, filter)
	if err != nil {
		return false, err
	}
	return len(result.Entries) > 0, nil
}

func (c *ldapClient) LookupUserDistinguishedNames(ctx context.Context, searchBase, filter, bindDN string, bindPassword models.Secret) ([]string, error) {
	result, err := c.searchAs(ctx, bindDN, bindPassword, searchBase, filter)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(result.Entries))
	for _, entry := range result.Entries {
		names = append(names, entry.DN)
	}
	return names, nil
}

// dial opens a fresh connection for one operation. The connection timeout
// falls back to the library default when unset; a context deadline, when
// present, bounds the dial as well.
func (c *ldapClient) dial(ctx context.Context) (*ldap.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: ldap.DefaultTimeout}
	if timeout, ok := c.config.ConnectionTimeout(); ok {
		dialer.Timeout = timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	conn, err := ldap.DialURL(
		c.config.LdapURL(),
		ldap.DialWithDialer(dialer),
		ldap.DialWithTLSConfig(c.tlsConfig),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", c.config.LdapURL())
	}
	if timeout, ok := c.config.ReadTimeout(); ok {
		conn.SetTimeout(timeout)
	}
	return conn, nil
}

func (c *ldapClient) searchAs(ctx context.Context, bindDN string, bindPassword models.Secret, searchBase, filter string) (*ldap.SearchResult, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Bind(bindDN, bindPassword.Plaintext()); err != nil {
		return nil, wrapBindError(err, bindDN)
	}

	request := ldap.NewSearchRequest(
		searchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		0,
		false,
		filter,
		nil,
		nil,
	)
	c.logger.Debug("searching directory", "base", searchBase, "filter", filter)

	result, err := conn.Search(request)
	if err != nil {
		return nil, errors.Wrapf(err, "searching under %s", searchBase)
	}
	c.reportReferrals(result)
	return result, nil
}

// reportReferrals surfaces referrals the search returned. Following them is
// not supported, so unless the operator opted into ignoring referrals they
// get a warning that results may be incomplete.
func (c *ldapClient) reportReferrals(result *ldap.SearchResult) {
	if len(result.Referrals) == 0 || c.config.IgnoreReferrals() {
		return
	}
	c.logger.Warn("directory returned referrals that will not be followed",
		"count", len(result.Referrals))
}
