// Package identity provides anonymous per-device owner identity.
//
// Each browser gets a long-lived random owner id in a cookie; every agent row
// is scoped to that id. There are no accounts and no credentials.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

const (
	// OwnerCookieName carries the anonymous owner id.
	OwnerCookieName   = "pb_owner_id"
	ownerCookieMaxAge = 180 * 24 * time.Hour
)

type contextKey int

const ownerIDKey contextKey = iota

var ownerIDPattern = regexp.MustCompile(`^owner_[a-f0-9]{32}$`)

// OwnerIDFromContext extracts the owner id from the request context.
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}

func generateOwnerID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate owner id: %w", err)
	}
	return "owner_" + hex.EncodeToString(buf), nil
}

func isValidOwnerID(id string) bool {
	return ownerIDPattern.MatchString(id)
}

func setOwnerCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     OwnerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(ownerCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(ownerCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateOwnerID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(OwnerCookieName); err == nil && isValidOwnerID(c.Value) {
		// Refresh the expiry on every request.
		setOwnerCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateOwnerID()
	if err != nil {
		return "", err
	}
	setOwnerCookie(w, id, isDev)
	return id, nil
}

// Middleware injects the anonymous owner identity into the request context,
// minting a fresh id for first-time visitors.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID, err := getOrCreateOwnerID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), ownerIDKey, ownerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
