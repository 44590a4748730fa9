package ldapauth

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/quarrydb/quarry-plugin-auth-ldap/models"
	"github.com/quarrydb/quarry-plugin-auth-ldap/util"
)

// Authenticate checks a username and password against the directory and
// returns the authenticated principal, which is the username as given.
//
// Two modes exist. With ldap.bind-dn configured the backend binds as the
// service account, finds the single entry matching the group authorization
// filter, and validates the password against that entry's DN. Without it,
// each user bind pattern is tried in order with ${USER} substituted until
// one bind succeeds.
func (b *Backend) Authenticate(ctx context.Context, username string, password models.Secret) (string, error) {
	if username == "" {
		return "", ErrInvalidCredentials
	}
	// An empty password would turn the bind into an unauthenticated bind,
	// which some directories report as success.
	if password.Plaintext() == "" {
		return "", ErrInvalidCredentials
	}
	if containsSpecialCharacters(username) {
		return "", errors.New("username contains a character with special meaning in LDAP")
	}

	var digest string
	if b.authCache != nil {
		digest = util.CredentialDigest(b.cacheSalt, username, password)
		if _, found := b.authCache.Get(digest); found {
			return username, nil
		}
	}

	var err error
	if _, ok := b.config.BindDistinguishedName(); ok {
		err = b.authenticateWithBindDistinguishedName(ctx, username, password)
	} else {
		err = b.authenticateWithUserBind(ctx, username, password)
	}
	if err != nil {
		b.logger.Debug("authentication failed", "user", username, "error", err.Error())
		return "", err
	}

	if b.authCache != nil {
		b.authCache.SetDefault(digest, struct{}{})
	}
	return username, nil
}

// authenticateWithUserBind tries each bind pattern in order. A credential
// rejection moves on to the next pattern; any other failure stops the scan,
// since retrying cannot help a network or authorization problem.
func (b *Backend) authenticateWithUserBind(ctx context.Context, username string, password models.Secret) error {
	groupPattern, hasGroupPattern := b.config.GroupAuthorizationSearchPattern()

	var lastErr error
	for _, pattern := range b.config.UserBindSearchPatterns() {
		userDN := replaceUser(pattern, username)

		var err error
		if hasGroupPattern {
			// The membership search binds as the user, so it validates the
			// password and the group in one pass.
			err = b.checkGroupMembership(ctx, username, groupPattern, userDN, password)
		} else {
			err = b.client.ValidatePassword(ctx, userDN, password)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidCredentials) {
			lastErr = err
			continue
		}
		return err
	}

	if lastErr == nil {
		lastErr = ErrInvalidCredentials
	}
	return lastErr
}

func (b *Backend) authenticateWithBindDistinguishedName(ctx context.Context, username string, password models.Secret) error {
	userDN, err := b.lookupUserDistinguishedName(ctx, username)
	if err != nil {
		return err
	}
	return b.client.ValidatePassword(ctx, userDN, password)
}

// lookupUserDistinguishedName finds the one entry matching the group
// authorization filter for this user, searching as the service account.
// Zero matches means the user is unknown or unauthorized; more than one
// means the filter is ambiguous and nobody gets in on it.
func (b *Backend) lookupUserDistinguishedName(ctx context.Context, username string) (string, error) {
	searchBase, _ := b.config.UserBaseDistinguishedName()
	groupPattern, _ := b.config.GroupAuthorizationSearchPattern()
	bindDN, _ := b.config.BindDistinguishedName()
	bindPassword, _ := b.config.BindPassword()

	filter := replaceUser(groupPattern, username)
	names, err := b.client.LookupUserDistinguishedNames(ctx, searchBase, filter, bindDN, bindPassword)
	if err != nil {
		return "", err
	}
	switch len(names) {
	case 0:
		return "", errors.Wrapf(ErrUserDoesNotExist, "user %s", username)
	case 1:
		return names[0], nil
	default:
		return "", errors.Wrapf(ErrMultipleUsersExist, "user %s matched %d entries", username, len(names))
	}
}

func (b *Backend) checkGroupMembership(ctx context.Context, username, groupPattern, contextDN string, password models.Secret) error {
	searchBase, _ := b.config.UserBaseDistinguishedName()
	filter := replaceUser(groupPattern, username)

	member, err := b.client.IsGroupMember(ctx, searchBase, filter, contextDN, password)
	if err != nil {
		return err
	}
	if !member {
		return errors.Errorf("user %s is not a member of an authorized group", username)
	}
	return nil
}

func replaceUser(pattern, username string) string {
	return strings.ReplaceAll(pattern, models.UserPlaceholder, username)
}

// containsSpecialCharacters reports whether the name carries characters with
// special meaning in an LDAP filter or DN, or surrounding whitespace. Such
// names are rejected outright rather than escaped, because both bind
// patterns and search filters substitute them verbatim.
func containsSpecialCharacters(name string) bool {
	if strings.TrimSpace(name) != name {
		return true
	}
	return strings.ContainsAny(name, "*()\\\x00")
}
