package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingKey indicates that no API key was provided.
	ErrMissingKey = errors.New("missing API key")
	// ErrInvalidPrefix indicates the header did not use the required Key prefix.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrInvalidKey indicates the key does not match.
	ErrInvalidKey = errors.New("invalid API key")
)

// QueryParam carries the key for clients that cannot set headers, such as
// browser websockets.
const QueryParam = "key"

// ExtractKey reads "Authorization: Key <token>", falling back to the key
// query parameter.
func ExtractKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get(QueryParam); token != "" {
			return token, nil
		}
		return "", ErrMissingKey
	}

	token, ok := strings.CutPrefix(header, "Key ")
	if !ok {
		return "", ErrInvalidPrefix
	}
	if token == "" {
		return "", ErrMissingKey
	}
	return token, nil
}

// Check verifies the request carries want.
func Check(r *http.Request, want string) error {
	got, err := ExtractKey(r)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrInvalidKey
	}
	return nil
}

// Middleware rejects requests without the key. An empty key disables it.
func Middleware(key string, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := Check(r, key); err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
