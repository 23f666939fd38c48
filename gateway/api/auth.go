// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/rejourney/ingest/gateway/console"
)

type contextKey int

const projectContextKey contextKey = iota

func withProjectContext(ctx context.Context, project console.Project) context.Context {
	return context.WithValue(ctx, projectContextKey, project)
}

func projectFromContext(ctx context.Context) (console.Project, bool) {
	project, ok := ctx.Value(projectContextKey).(console.Project)
	return project, ok
}

// withProject authenticates the device's ingest key and attaches the
// owning project to the request context. Requests addressing a different
// project than the key resolves to are answered with not found rather
// than forbidden, so keys cannot be used to probe project ids.
func (server *Server) withProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			sendJSONError(w, "unauthorized", "missing ingest key", http.StatusUnauthorized)
			return
		}

		project, err := server.console.GetProjectByIngestKey(r.Context(), key)
		if err != nil || subtle.ConstantTimeCompare([]byte(project.IngestKey), []byte(key)) != 1 {
			mon.Counter("auth_rejected").Inc(1)
			sendJSONError(w, "unauthorized", "invalid ingest key", http.StatusUnauthorized)
			return
		}

		if requested := mux.Vars(r)["project"]; requested != "" && requested != project.ID.String() {
			sendJSONError(w, "not found", "", http.StatusNotFound)
			return
		}

		next.ServeHTTP(w, r.WithContext(withProjectContext(r.Context(), project)))
	})
}

// withAdminAuth gates the operator surface behind a static token.
func (server *Server) withAdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if server.config.AdminToken == "" {
			sendJSONError(w, "forbidden", "authorization not enabled", http.StatusForbidden)
			return
		}
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(server.config.AdminToken), []byte(token)) != 1 {
			sendJSONError(w, "forbidden", "required a valid authorization token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", false
	}
	return token, true
}
