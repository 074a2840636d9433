package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// ProjectIDKey is the context key for the request's resolved project scope.
	ProjectIDKey contextKey = "project_id"
)

// ProjectExtractor resolves the project a request is scoped to. It checks
// the X-Project-ID header, then the project_id query parameter, and falls
// back to "default" — the same header/query/default precedence the
// teacher's tenant extractor used for its kitchen scope, retargeted from
// a kitchen ID to a memory project ID.
func ProjectExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := ""

		if h := r.Header.Get("X-Project-ID"); h != "" {
			projectID = strings.TrimSpace(h)
		}

		if projectID == "" {
			if q := r.URL.Query().Get("project_id"); q != "" {
				projectID = strings.TrimSpace(q)
			}
		}

		if projectID == "" {
			projectID = "default"
		}

		ctx := context.WithValue(r.Context(), ProjectIDKey, projectID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetProjectID retrieves the project scope resolved by ProjectExtractor.
func GetProjectID(ctx context.Context) string {
	if v, ok := ctx.Value(ProjectIDKey).(string); ok {
		return v
	}
	return "default"
}
