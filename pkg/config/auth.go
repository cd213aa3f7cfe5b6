package config

import (
	"fmt"
	"os"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/auth"
)

// AuthConfig holds credentials for the remote source. Exactly one method may
// be configured. Secrets can be supplied through the *_env fields so they stay
// out of the config file.
type AuthConfig struct {
	// Host restricts credentials to requests for this host name.
	Host       string      `mapstructure:"host" yaml:"host,omitempty"`
	BasicAuth  *BasicAuth  `mapstructure:"basic" yaml:"basic,omitempty"`
	HeaderAuth *HeaderAuth `mapstructure:"header" yaml:"header,omitempty"`
	BearerAuth *BearerAuth `mapstructure:"bearer" yaml:"bearer,omitempty"`
}

// BasicAuth holds configuration for HTTP Basic Authentication.
type BasicAuth struct {
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password,omitempty"`
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env,omitempty"`
}

// HeaderAuth holds configuration for custom header-based authentication.
type HeaderAuth struct {
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// BearerAuth holds configuration for Bearer token authentication.
type BearerAuth struct {
	Token    string `mapstructure:"token" yaml:"token,omitempty"`
	TokenEnv string `mapstructure:"token_env" yaml:"token_env,omitempty"`
}

// Validate checks that exactly one authentication method is configured.
func (a *AuthConfig) Validate() error {
	set := 0
	if a.BasicAuth != nil {
		set++
	}
	if a.HeaderAuth != nil {
		set++
	}
	if a.BearerAuth != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("transfer.auth: exactly one of basic, header and bearer must be set")
	}
	return nil
}

// ToAuthenticator converts the configuration into an Authenticator scoped
// to the configured host. A nil receiver yields a nil Authenticator.
func (a *AuthConfig) ToAuthenticator() auth.Authenticator {
	if a == nil {
		return nil
	}

	var inner auth.Authenticator
	switch {
	case a.BasicAuth != nil:
		inner = auth.BasicAuth{
			Username: a.BasicAuth.Username,
			Password: secret(a.BasicAuth.Password, a.BasicAuth.PasswordEnv),
		}
	case a.HeaderAuth != nil:
		inner = auth.HeaderAuth{Headers: a.HeaderAuth.Headers}
	case a.BearerAuth != nil:
		inner = auth.BearerAuth{Token: secret(a.BearerAuth.Token, a.BearerAuth.TokenEnv)}
	default:
		return nil
	}

	return auth.HostScoped{Host: a.Host, Auth: inner}
}

func secret(value, env string) string {
	if env != "" {
		if v, ok := os.LookupEnv(env); ok {
			return v
		}
	}
	return value
}
