package plejd

import "errors"

// Domain errors for the Plejd bridge package.
var (
	// ErrAmbiguousSite is returned when the account holds more than one
	// site and no site id was configured.
	ErrAmbiguousSite = errors.New("plejd: account has multiple sites, site id required")

	// ErrUnknownSite is returned when the configured site id does not match
	// any site on the account, or the account has no sites at all.
	ErrUnknownSite = errors.New("plejd: site not found on account")

	// ErrGatewayNotFound is returned when no advertisement matches the
	// gateway name prefix and manufacturer id.
	ErrGatewayNotFound = errors.New("plejd: no gateway found")

	// ErrConnectionFailed is returned when the transport cannot connect to
	// the selected gateway or subscribe to its notifications.
	ErrConnectionFailed = errors.New("plejd: connection to gateway failed")

	// ErrAuthenticationFailed is returned when the challenge/response
	// handshake or the verifying ping fails.
	ErrAuthenticationFailed = errors.New("plejd: authentication failed")

	// ErrTransientBusy is reported by transports when the gateway rejects a
	// write because a previous operation is still in progress.
	ErrTransientBusy = errors.New("plejd: operation in progress")

	// ErrConnectionLost is returned when a health check or write detects
	// that the gateway session is gone.
	ErrConnectionLost = errors.New("plejd: connection lost")

	// ErrNotConnected is returned when an operation requires a session but
	// the supervisor is not connected.
	ErrNotConnected = errors.New("plejd: not connected")

	// ErrInvalidCryptoKey is returned when a crypto key is not 16 bytes of hex.
	ErrInvalidCryptoKey = errors.New("plejd: invalid crypto key")

	// ErrInvalidMAC is returned when a MAC address is not 6 bytes of hex.
	ErrInvalidMAC = errors.New("plejd: invalid MAC address")

	// ErrInvalidCommand is returned when a command cannot be rendered to a frame.
	ErrInvalidCommand = errors.New("plejd: invalid command")
)
