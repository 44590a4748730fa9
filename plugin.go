package ldapauth

import (
	"context"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	plugin "github.com/hashicorp/go-plugin"
	"github.com/pkg/errors"

	"github.com/quarrydb/quarry-plugin-auth-ldap/models"
)

// PluginName is the dispense key the host and plugin agree on.
const PluginName = "password-authenticator"

// Handshake identifies this process as a Quarry password authenticator
// plugin. The cookie is a basic sanity check that the host launched a
// compatible binary, not a security measure.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "QUARRY_PASSWORD_AUTHENTICATOR",
	MagicCookieValue: "quarry-plugin-auth-ldap",
}

// Authenticator is the capability exposed across the plugin boundary.
type Authenticator interface {
	Authenticate(username string, password models.Secret) (string, error)
}

// AuthenticateArgs is the wire form of an authentication request.
type AuthenticateArgs struct {
	Username string
	Password string
}

// AuthenticatorRPC is the host-side half of the plugin. Errors coming back
// over the wire are flattened to their message, so callers match on text,
// not on sentinel values.
type AuthenticatorRPC struct {
	client *rpc.Client
}

func (c *AuthenticatorRPC) Authenticate(username string, password models.Secret) (string, error) {
	var principal string
	err := c.client.Call("Plugin.Authenticate", &AuthenticateArgs{
		Username: username,
		Password: password.Plaintext(),
	}, &principal)
	if err != nil {
		return "", err
	}
	return principal, nil
}

// AuthenticatorRPCServer wraps the backend inside the plugin process.
type AuthenticatorRPCServer struct {
	Impl *Backend
}

// Authenticate runs the backend under a background context; request
// deadlines do not cross the process boundary, so the configured timeouts
// are the only bound on the directory calls.
func (s *AuthenticatorRPCServer) Authenticate(args *AuthenticateArgs, principal *string) error {
	p, err := s.Impl.Authenticate(context.Background(), args.Username, models.Secret(args.Password))
	if err != nil {
		return err
	}
	*principal = p
	return nil
}

// AuthenticatorPlugin implements plugin.Plugin over net/rpc.
type AuthenticatorPlugin struct {
	Impl *Backend
}

func (p *AuthenticatorPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &AuthenticatorRPCServer{Impl: p.Impl}, nil
}

func (AuthenticatorPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &AuthenticatorRPC{client: c}, nil
}

// Serve hands the backend to the plugin host and blocks for the life of the
// process.
func Serve(backend *Backend) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PluginName: &AuthenticatorPlugin{Impl: backend},
		},
		Logger: backend.logger,
	})
}

// NewPluginClient launches the plugin binary at path and returns the
// Authenticator it serves along with a function that tears the plugin down.
func NewPluginClient(path string, logger hclog.Logger) (Authenticator, func(), error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PluginName: &AuthenticatorPlugin{},
		},
		Cmd:    exec.Command(path),
		Logger: logger,
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, errors.Wrap(err, "starting plugin")
	}
	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		client.Kill()
		return nil, nil, errors.Wrap(err, "dispensing authenticator")
	}
	authenticator, ok := raw.(Authenticator)
	if !ok {
		client.Kill()
		return nil, nil, errors.Errorf("plugin at %s does not serve an authenticator", path)
	}
	return authenticator, client.Kill, nil
}
