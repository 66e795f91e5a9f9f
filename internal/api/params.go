package api

import (
	"log/slog"
	"net/http"
	"strconv"
)

// maxUserIDLength bounds the X-User-ID header. Platform user IDs are
// opaque strings well under this.
const maxUserIDLength = 128

// requireUserID extracts the authenticated user from the X-User-ID header.
// The gateway in front of this service sets the header after verifying the
// session; an empty header means the request never passed authentication.
// Returns false if the response has already been written.
func requireUserID(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		WriteError(w, http.StatusUnauthorized, "missing_user", "X-User-ID header is required", logger)
		return "", false
	}
	if len(userID) > maxUserIDLength {
		WriteError(w, http.StatusBadRequest, "invalid_user", "user ID too long", logger)
		return "", false
	}
	return userID, true
}

// parseIntParam parses a non-negative integer query parameter, falling back
// to defaultVal on absence or garbage.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	str := r.URL.Query().Get(name)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil || val < 0 {
		return defaultVal
	}
	return val
}
