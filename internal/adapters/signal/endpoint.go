package signal

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dkeye/ticketcall/internal/domain"
)

var (
	ErrInvalidBaseURL    = errors.New("invalid base url")
	ErrUnsupportedScheme = errors.New("unsupported base url scheme")
)

const (
	ticketPathPrefix      = "/ws/ticket/"
	tokenQueryKey         = "token"
	defaultRealtimeScheme = "ws"
)

var schemeRewrites = map[string]string{"http": "ws", "https": "wss", "ws": "ws", "wss": "wss"}

// Endpoint derives the ticket socket URL from an HTTP origin.
// http becomes ws, https becomes wss, and a bare host gets ws.
// The token travels as a query parameter because browser-class clients
// cannot set headers on the upgrade request.
func Endpoint(base string, ticket domain.TicketID, token string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBaseURL)
	}

	scheme, rest, hasScheme := strings.Cut(base, "://")
	if !hasScheme {
		scheme, rest = defaultRealtimeScheme, base
	}
	rewritten, ok := schemeRewrites[strings.ToLower(scheme)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	u, err := url.Parse(rewritten + "://" + rest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: no host in %q", ErrInvalidBaseURL, base)
	}

	u.Path = strings.TrimRight(u.Path, "/") + ticketPathPrefix + string(ticket)
	u.RawPath = ""
	u.RawQuery = url.Values{tokenQueryKey: {token}}.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// redact hides the token when an endpoint is logged.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid>"
	}
	if u.Query().Has(tokenQueryKey) {
		u.RawQuery = tokenQueryKey + "=REDACTED"
	}
	return u.String()
}
