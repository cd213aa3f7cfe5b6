// Package auth applies credentials for the remote source to outgoing size
// probes and transfers.
package auth

import (
	"net/http"
	"strings"
)

// Authenticator defines the interface for applying authentication to HTTP requests.
type Authenticator interface {
	Apply(req *http.Request) error
	Type() Type
}

// BasicAuth represents HTTP Basic Authentication credentials.
type BasicAuth struct {
	Username string
	Password string
}

// HeaderAuth represents authentication via custom HTTP headers.
type HeaderAuth struct {
	Headers map[string]string
}

// BearerAuth represents Bearer token authentication.
type BearerAuth struct {
	Token string
}

// HostScoped applies Auth only to requests for Host. Redirects to other
// hosts (mirrors, signed object-store URLs) are sent without credentials.
type HostScoped struct {
	Host string
	Auth Authenticator
}

// Type represents the type of authentication.
type Type string

// Authentication types.
const (
	BasicAuthType  Type = "basic"
	HeaderAuthType Type = "header"
	BearerAuthType Type = "bearer"
)

// Apply adds Basic Authentication headers to the HTTP request.
func (b BasicAuth) Apply(req *http.Request) error {
	req.SetBasicAuth(b.Username, b.Password)
	return nil
}

// Type returns the authentication type (BasicAuthType).
func (b BasicAuth) Type() Type { return BasicAuthType }

// Apply adds custom headers to the HTTP request.
func (h HeaderAuth) Apply(req *http.Request) error {
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	return nil
}

// Type returns the authentication type (HeaderAuthType).
func (h HeaderAuth) Type() Type { return HeaderAuthType }

// Apply adds a Bearer token to the Authorization header of the HTTP request.
func (b BearerAuth) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+b.Token)
	return nil
}

// Type returns the authentication type (BearerAuthType).
func (b BearerAuth) Type() Type { return BearerAuthType }

// Apply delegates to the wrapped authenticator when the request host matches.
func (s HostScoped) Apply(req *http.Request) error {
	if s.Auth == nil || req.URL == nil {
		return nil
	}
	if s.Host != "" && !strings.EqualFold(req.URL.Hostname(), s.Host) {
		return nil
	}
	return s.Auth.Apply(req)
}

// Type returns the type of the wrapped authenticator.
func (s HostScoped) Type() Type {
	if s.Auth == nil {
		return ""
	}
	return s.Auth.Type()
}

// ApplyTo applies a to req, tolerating a nil authenticator.
func ApplyTo(a Authenticator, req *http.Request) error {
	if a == nil {
		return nil
	}
	return a.Apply(req)
}
