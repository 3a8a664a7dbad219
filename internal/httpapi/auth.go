package httpapi

import "net/http"

const (
	apiKeyHeader   = "X-API-Key"
	adminKeyHeader = "X-Admin-Key"
)

// withAuth wraps h with the static API key check every endpoint requires,
// plus the admin key check for mutating admin endpoints (spec.md §4.I).
// When s.auth.APIKey/AdminKey is empty, the corresponding check is skipped —
// this lets local development run without configuring keys.
func (s *Server) withAuth(admin bool, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth.APIKey != "" && r.Header.Get(apiKeyHeader) != s.auth.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing "+apiKeyHeader)
			return
		}
		if admin && s.auth.AdminKey != "" && r.Header.Get(adminKeyHeader) != s.auth.AdminKey {
			writeError(w, http.StatusForbidden, "invalid or missing "+adminKeyHeader)
			return
		}
		h(w, r)
	}
}
