// Package wellknown holds the discovery documents served under /.well-known.
package wellknown

import (
	"fmt"
	"net/url"
	"strings"
)

// ProtectedResourcePrefix is the well-known path segment of RFC 9728.
const ProtectedResourcePrefix = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the OAuth 2.0 Protected Resource Metadata
// document (RFC 9728 §2). Only the members this server can fill are listed.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// NewProtectedResourceMetadata describes the resource at resourceURL, which
// must be an absolute http(s) URL. The returned location is where the
// document is published: the resource path inserted after the well-known
// prefix (RFC 9728 §3.1).
func NewProtectedResourceMetadata(resourceURL string, authorizationServers []string, scopes []string) (*ProtectedResourceMetadata, *url.URL, error) {
	u, err := url.Parse(resourceURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse resource url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, nil, fmt.Errorf("resource url must be absolute http(s), got %q", resourceURL)
	}
	if u.Fragment != "" {
		return nil, nil, fmt.Errorf("resource url must not carry a fragment")
	}
	if len(authorizationServers) == 0 {
		return nil, nil, fmt.Errorf("at least one authorization server is required")
	}

	doc := &ProtectedResourceMetadata{
		Resource:               u.String(),
		AuthorizationServers:   authorizationServers,
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
	}
	location := &url.URL{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   ProtectedResourcePrefix + strings.TrimSuffix(u.Path, "/"),
	}
	return doc, location, nil
}
