package http

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	// HeaderAPIKey carries the caller's API key.
	HeaderAPIKey = "X-API-Key"

	// DevAPIKey is accepted for caller DevCaller when no keys are configured.
	DevAPIKey = "dev-key-itemforge"
	DevCaller = "dev"

	callerKey = "caller_id"
)

// Keys maps API keys to caller IDs.
type Keys struct {
	byKey map[string]string
	dev   bool
}

// ParseKeys reads "caller:key,caller:key". An empty string enables the
// development key.
func ParseKeys(raw string) (*Keys, error) {
	k := &Keys{byKey: make(map[string]string)}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		caller, key, ok := strings.Cut(pair, ":")
		caller, key = strings.TrimSpace(caller), strings.TrimSpace(key)
		if !ok || caller == "" || key == "" {
			return nil, fmt.Errorf("invalid API key entry %q: want caller:key", pair)
		}
		if _, dup := k.byKey[key]; dup {
			return nil, fmt.Errorf("API key for %q is already assigned", caller)
		}
		k.byKey[key] = caller
	}
	if len(k.byKey) == 0 {
		k.byKey[DevAPIKey] = DevCaller
		k.dev = true
	}
	return k, nil
}

// Dev reports whether only the development key is accepted.
func (k *Keys) Dev() bool { return k.dev }

// Caller returns the caller for key.
func (k *Keys) Caller(key string) (string, bool) {
	var found string
	for candidate, caller := range k.byKey {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			found = caller
		}
	}
	return found, found != ""
}

// authMiddleware rejects requests without a known API key and stores the
// caller ID on the echo context.
func authMiddleware(keys *Keys) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get(HeaderAPIKey)
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+HeaderAPIKey+" header")
			}
			caller, ok := keys.Caller(key)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			c.Set(callerKey, caller)
			return next(c)
		}
	}
}

func callerID(c echo.Context) string {
	id, _ := c.Get(callerKey).(string)
	return id
}
