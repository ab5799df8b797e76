package secret

import "errors"

// Sentinel errors for credential resolution.
// Use errors.Is() to check for these specific error conditions.
var (
	// ErrMissingSecretID is returned when no secret id is configured.
	ErrMissingSecretID = errors.New("secret: can't find credentials in incoming configuration")

	// ErrMissingCredentialField is returned when a secret lacks a field its
	// type requires (basic needs username and password, api_key needs header
	// name and value).
	ErrMissingCredentialField = errors.New("secret: incomplete credentials")

	// ErrNotFound is returned by stores when the secret id is unknown.
	ErrNotFound = errors.New("secret: not found")
)
