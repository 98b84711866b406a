package cloud

import "errors"

// Sentinel errors for account API operations.
var (
	// ErrInvalidCredentials indicates the account rejected the username or password.
	ErrInvalidCredentials = errors.New("cloud: invalid username or password")

	// ErrRequestFailed indicates an API call failed or returned an unexpected payload.
	ErrRequestFailed = errors.New("cloud: request failed")

	// ErrMissingCredentials indicates the client was created without a username or password.
	ErrMissingCredentials = errors.New("cloud: username and password are required")
)
