// Package secret resolves, caches and applies the credentials a request
// execution uses. Secrets are fetched by id from an external credential store,
// cached per client instance, and replaced wholesale on refresh.
package secret

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Type identifies the authentication scheme a secret carries.
type Type string

const (
	TypeNone   Type = "noauth"
	TypeBasic  Type = "basic"
	TypeAPIKey Type = "api_key"
	TypeOAuth2 Type = "oauth2"
)

// BasicCredentials carries username/password for HTTP basic authentication.
type BasicCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// APIKeyCredentials carries a single header name/value pair.
type APIKeyCredentials struct {
	HeaderName  string `json:"headerName"`
	HeaderValue string `json:"headerValue"`
}

// OAuth2Credentials carries the current token set of an OAuth2 client.
type OAuth2Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// Secret is a tagged credential bundle. Exactly the variant named by Type is
// populated; the others are nil.
type Secret struct {
	Type   Type
	Basic  *BasicCredentials
	APIKey *APIKeyCredentials
	OAuth2 *OAuth2Credentials
}

// AccessToken returns the current OAuth2 access token, or "" for other types.
func (s *Secret) AccessToken() string {
	if s == nil || s.OAuth2 == nil {
		return ""
	}
	return s.OAuth2.AccessToken
}

// Decorate applies the secret's authentication artifact to the header map.
// Header keys are written as sent on the wire; the caller owns normalization.
func (s *Secret) Decorate(headers map[string]string) error {
	switch s.Type {
	case TypeNone:
		return nil
	case TypeBasic:
		if s.Basic == nil || s.Basic.Username == "" || s.Basic.Password == "" {
			return fmt.Errorf(`%w: "Username" or "Password" is missing in the credentials section`, ErrMissingCredentialField)
		}
		raw := s.Basic.Username + ":" + s.Basic.Password
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
		return nil
	case TypeAPIKey:
		if s.APIKey == nil || s.APIKey.HeaderName == "" || s.APIKey.HeaderValue == "" {
			return fmt.Errorf(`%w: "Header Name" or "Header Value" is missing in the credentials section`, ErrMissingCredentialField)
		}
		headers[s.APIKey.HeaderName] = s.APIKey.HeaderValue
		return nil
	case TypeOAuth2:
		if s.OAuth2 == nil {
			return fmt.Errorf("%w: access token is missing in the credentials section", ErrMissingCredentialField)
		}
		headers["Authorization"] = "Bearer " + s.OAuth2.AccessToken
		return nil
	default:
		return fmt.Errorf("%w: unknown secret type %q", ErrMissingCredentialField, s.Type)
	}
}

// secretPayload is the wire form the credential store returns.
type secretPayload struct {
	Type        Type            `json:"type"`
	Credentials json.RawMessage `json:"credentials"`
}

// UnmarshalJSON decodes the store's wire form into the tagged variant.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var payload secretPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	out := Secret{Type: payload.Type}
	switch payload.Type {
	case TypeNone:
	case TypeBasic:
		out.Basic = &BasicCredentials{}
		if len(payload.Credentials) > 0 {
			if err := json.Unmarshal(payload.Credentials, out.Basic); err != nil {
				return err
			}
		}
	case TypeAPIKey:
		out.APIKey = &APIKeyCredentials{}
		if len(payload.Credentials) > 0 {
			if err := json.Unmarshal(payload.Credentials, out.APIKey); err != nil {
				return err
			}
		}
	case TypeOAuth2:
		out.OAuth2 = &OAuth2Credentials{}
		if len(payload.Credentials) > 0 {
			if err := json.Unmarshal(payload.Credentials, out.OAuth2); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown secret type %q", payload.Type)
	}

	*s = out
	return nil
}
