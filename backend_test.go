package ldapauth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/quarrydb/quarry-plugin-auth-ldap/models"
)

// fakeClient is an in-memory stand-in for the directory. passwords maps a
// bind DN to the one password it accepts; matches and members script the
// search results per filter. Search calls authenticate their context
// credentials against passwords like any bind.
type fakeClient struct {
	passwords map[string]string
	matches   map[string][]string
	members   map[string]bool

	// err, when set, is returned by every call after being counted.
	err error

	validateCalls  int
	lookupCalls    int
	memberCalls    int
	lastSearchBase string
	lastFilter     string
}

func (f *fakeClient) ValidatePassword(_ context.Context, userDN string, password models.Secret) error {
	f.validateCalls++
	if f.err != nil {
		return f.err
	}
	if want, ok := f.passwords[userDN]; ok && want == password.Plaintext() {
		return nil
	}
	return ErrInvalidCredentials
}

func (f *fakeClient) IsGroupMember(_ context.Context, searchBase, filter, bindDN string, bindPassword models.Secret) (bool, error) {
	f.memberCalls++
	f.lastSearchBase, f.lastFilter = searchBase, filter
	if f.err != nil {
		return false, f.err
	}
	if want, ok := f.passwords[bindDN]; !ok || want != bindPassword.Plaintext() {
		return false, ErrInvalidCredentials
	}
	return f.members[filter], nil
}

func (f *fakeClient) LookupUserDistinguishedNames(_ context.Context, searchBase, filter, bindDN string, bindPassword models.Secret) ([]string, error) {
	f.lookupCalls++
	f.lastSearchBase, f.lastFilter = searchBase, filter
	if f.err != nil {
		return nil, f.err
	}
	if want, ok := f.passwords[bindDN]; !ok || want != bindPassword.Plaintext() {
		return nil, ErrInvalidCredentials
	}
	return f.matches[filter], nil
}

func TestBackend(t *testing.T) {
	ctx := context.Background()

	config, err := LoadConfig(map[string]string{
		"ldap.url":               "ldaps://ldap.example.com:636",
		"ldap.user-bind-pattern": "uid=${USER},ou=people,dc=example,dc=com:${USER}@example.com",
		"ldap.cache-ttl":         "1h",
	})
	if err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{
		passwords: map[string]string{
			"uid=alice,ou=people,dc=example,dc=com": "alice-pw",
			"bob@example.com":                       "bob-pw",
		},
	}
	backend, err := NewBackend(config, client, hclog.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}

	env := &Env{
		Ctx:     ctx,
		Client:  client,
		Backend: backend,
	}
	t.Run("authenticate via first pattern", env.AuthenticateFirstPattern)
	t.Run("authenticate via second pattern", env.AuthenticateSecondPattern)
	t.Run("wrong password", env.WrongPassword)
	t.Run("repeat success is served from cache", env.CacheHit)
	t.Run("failures are not cached", env.FailureNotCached)
	t.Run("empty password", env.EmptyPassword)
	t.Run("empty username", env.EmptyUsername)
	t.Run("special characters", env.SpecialCharacters)
}

type Env struct {
	Ctx     context.Context
	Client  *fakeClient
	Backend *Backend
}

func (e *Env) AuthenticateFirstPattern(t *testing.T) {
	principal, err := e.Backend.Authenticate(e.Ctx, "alice", "alice-pw")
	if err != nil {
		t.Fatal(err)
	}
	if principal != "alice" {
		t.Fatalf("expected alice but received %q", principal)
	}
	if e.Client.validateCalls != 1 {
		t.Fatalf("expected 1 validate call but received %d", e.Client.validateCalls)
	}
}

func (e *Env) AuthenticateSecondPattern(t *testing.T) {
	principal, err := e.Backend.Authenticate(e.Ctx, "bob", "bob-pw")
	if err != nil {
		t.Fatal(err)
	}
	if principal != "bob" {
		t.Fatalf("expected bob but received %q", principal)
	}
	// The first pattern was tried and rejected before the second matched.
	if e.Client.validateCalls != 3 {
		t.Fatalf("expected 3 validate calls but received %d", e.Client.validateCalls)
	}
}

func (e *Env) WrongPassword(t *testing.T) {
	_, err := e.Backend.Authenticate(e.Ctx, "alice", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials but received %v", err)
	}
	if e.Client.validateCalls != 5 {
		t.Fatalf("expected 5 validate calls but received %d", e.Client.validateCalls)
	}
}

func (e *Env) CacheHit(t *testing.T) {
	principal, err := e.Backend.Authenticate(e.Ctx, "alice", "alice-pw")
	if err != nil {
		t.Fatal(err)
	}
	if principal != "alice" {
		t.Fatalf("expected alice but received %q", principal)
	}
	if e.Client.validateCalls != 5 {
		t.Fatalf("expected the directory not to be consulted, received %d validate calls", e.Client.validateCalls)
	}
}

func (e *Env) FailureNotCached(t *testing.T) {
	_, err := e.Backend.Authenticate(e.Ctx, "alice", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials but received %v", err)
	}
	if e.Client.validateCalls != 7 {
		t.Fatalf("expected 7 validate calls but received %d", e.Client.validateCalls)
	}
}

func (e *Env) EmptyPassword(t *testing.T) {
	_, err := e.Backend.Authenticate(e.Ctx, "alice", "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials but received %v", err)
	}
	if e.Client.validateCalls != 7 {
		t.Fatalf("an empty password must never reach the directory, received %d validate calls", e.Client.validateCalls)
	}
}

func (e *Env) EmptyUsername(t *testing.T) {
	_, err := e.Backend.Authenticate(e.Ctx, "", "alice-pw")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials but received %v", err)
	}
	if e.Client.validateCalls != 7 {
		t.Fatalf("an empty username must never reach the directory, received %d validate calls", e.Client.validateCalls)
	}
}

func (e *Env) SpecialCharacters(t *testing.T) {
	_, err := e.Backend.Authenticate(e.Ctx, "al*ce", "alice-pw")
	if err == nil || !strings.Contains(err.Error(), "special") {
		t.Fatalf("expected a special-character rejection but received %v", err)
	}
	if e.Client.validateCalls != 7 {
		t.Fatalf("a special-character username must never reach the directory, received %d validate calls", e.Client.validateCalls)
	}
}

func TestNewBackendRejectsIncoherentConfigs(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]string
		want []string
	}{
		{
			name: "bind-dn without bind-password",
			raw: map[string]string{
				"ldap.url":     "ldaps://ldap.example.com",
				"ldap.bind-dn": "cn=service,dc=example,dc=com",
			},
			want: []string{
				"ldap.bind-dn and ldap.bind-password must be set together",
				"ldap.group-auth-pattern is required",
				"ldap.user-base-dn is required",
			},
		},
		{
			name: "no bind pattern and no bind-dn",
			raw: map[string]string{
				"ldap.url": "ldaps://ldap.example.com",
			},
			want: []string{"ldap.user-bind-pattern is required"},
		},
		{
			name: "group pattern without user base dn",
			raw: map[string]string{
				"ldap.url":                "ldaps://ldap.example.com",
				"ldap.user-bind-pattern":  "uid=${USER},dc=example,dc=com",
				"ldap.group-auth-pattern": "(user=${USER})",
			},
			want: []string{"ldap.user-base-dn is required when ldap.group-auth-pattern is set"},
		},
		{
			name: "bind-dn mode missing group pattern",
			raw: map[string]string{
				"ldap.url":           "ldaps://ldap.example.com",
				"ldap.bind-dn":       "cn=service,dc=example,dc=com",
				"ldap.bind-password": "service-pw",
				"ldap.user-base-dn":  "dc=example,dc=com",
			},
			want: []string{"ldap.group-auth-pattern is required when ldap.bind-dn is set"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config, err := LoadConfig(tc.raw)
			if err != nil {
				t.Fatal(err)
			}
			_, err = NewBackend(config, &fakeClient{}, hclog.NewNullLogger())
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, want := range tc.want {
				if !strings.Contains(err.Error(), want) {
					t.Fatalf("expected error to contain %q but received %q", want, err)
				}
			}
		})
	}
}

func TestCheckConfigAggregatesFieldAndBindModeRules(t *testing.T) {
	config := models.NewLdapConfig().
		SetLdapURL("ldap://dir.example.com").
		SetBindDistinguishedName("cn=service,dc=example,dc=com")

	err := CheckConfig(config)
	if err == nil {
		t.Fatal("expected an error")
	}
	merr, ok := err.(*multierror.Error)
	if !ok {
		t.Fatalf("expected a *multierror.Error but received %T", err)
	}
	// One field violation plus three bind-mode violations, in one flat list.
	if len(merr.Errors) != 4 {
		t.Fatalf("expected 4 violations but received %d: %s", len(merr.Errors), merr)
	}
	for _, want := range []string{
		"requires `ldap.allow-insecure=true`",
		"ldap.bind-dn and ldap.bind-password must be set together",
		"ldap.group-auth-pattern is required when ldap.bind-dn is set",
		"ldap.user-base-dn is required when ldap.bind-dn is set",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to contain %q but received %q", want, err)
		}
	}
}

func TestNewBackendRequiresDependencies(t *testing.T) {
	config, err := LoadConfig(map[string]string{
		"ldap.url":               "ldaps://ldap.example.com",
		"ldap.user-bind-pattern": "uid=${USER},dc=example,dc=com",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewBackend(nil, &fakeClient{}, nil); err == nil {
		t.Fatal("expected an error for a nil config")
	}
	if _, err := NewBackend(config, nil, nil); err == nil {
		t.Fatal("expected an error for a nil client")
	}
}

func TestBackendCacheDisabled(t *testing.T) {
	config, err := LoadConfig(map[string]string{
		"ldap.url":               "ldaps://ldap.example.com",
		"ldap.user-bind-pattern": "uid=${USER},dc=example,dc=com",
		"ldap.cache-ttl":         "0",
	})
	if err != nil {
		t.Fatal(err)
	}
	client := &fakeClient{passwords: map[string]string{"uid=alice,dc=example,dc=com": "alice-pw"}}
	backend, err := NewBackend(config, client, hclog.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := backend.Authenticate(context.Background(), "alice", "alice-pw"); err != nil {
			t.Fatal(err)
		}
	}
	if client.validateCalls != 2 {
		t.Fatalf("expected every attempt to reach the directory, received %d validate calls", client.validateCalls)
	}
}

func TestBackendCacheExpiry(t *testing.T) {
	config, err := LoadConfig(map[string]string{
		"ldap.url":               "ldaps://ldap.example.com",
		"ldap.user-bind-pattern": "uid=${USER},dc=example,dc=com",
		"ldap.cache-ttl":         "20ms",
	})
	if err != nil {
		t.Fatal(err)
	}
	client := &fakeClient{passwords: map[string]string{"uid=alice,dc=example,dc=com": "alice-pw"}}
	backend, err := NewBackend(config, client, hclog.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := backend.Authenticate(context.Background(), "alice", "alice-pw"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := backend.Authenticate(context.Background(), "alice", "alice-pw"); err != nil {
		t.Fatal(err)
	}
	if client.validateCalls != 2 {
		t.Fatalf("expected the cache entry to expire, received %d validate calls", client.validateCalls)
	}
}
