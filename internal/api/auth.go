package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"convobot/internal/config"
)

const (
	apiKeyHeaderDefault    = "x-api-key"
	permReadConversations  = "read:conversations"
	permWriteConversations = "write:conversations"
	clientKeyUnknown       = "unknown"
)

var (
	errMissingAPIKey    = errors.New("missing api key header")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	clients []config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{
		cfg:     cfg,
		clients: append([]config.APIClientKey(nil), cfg.Auth.APIKeys...),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

// Wrap guards next. Paths in public skip authentication but not rate limiting.
func (a *HTTPAuth) Wrap(next http.Handler, public ...string) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.Enabled && !open[r.URL.Path] {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) headerName() string {
	h := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderAPIKey))
	if h == "" {
		return apiKeyHeaderDefault
	}
	return h
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.headerName()))
	if apiKey == "" {
		return errMissingAPIKey
	}

	client, ok := a.lookup(apiKey)
	if !ok {
		return errInvalidAPIKey
	}
	return checkPermissions(client, requiredPermission(r))
}

// lookup compares every configured key in constant time.
func (a *HTTPAuth) lookup(apiKey string) (config.APIClientKey, bool) {
	var found config.APIClientKey
	ok := false
	for _, c := range a.clients {
		if subtle.ConstantTimeCompare([]byte(c.Key), []byte(apiKey)) == 1 {
			found, ok = c, true
		}
	}
	return found, ok
}

func checkPermissions(client config.APIClientKey, required string) error {
	if required == "" {
		return nil
	}
	// If permissions list is empty, treat as allow-all.
	if len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func requiredPermission(r *http.Request) string {
	if !strings.HasPrefix(r.URL.Path, "/api/v1/conversations") {
		return ""
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return permReadConversations
	default:
		return permWriteConversations
	}
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.headerName())); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}
