// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/rejourney/ingest/gateway/endpoints"
	"github.com/rejourney/ingest/gateway/vault"
)

// endpointPayload is the operator's write format. The secret key arrives
// in plaintext over the operator channel and is stored encrypted; it is
// never echoed back.
type endpointPayload struct {
	ProjectID   string `json:"projectId"`
	EndpointURL string `json:"endpointUrl"`
	PublicURL   string `json:"publicUrl"`
	Bucket      string `json:"bucket"`
	Region      string `json:"region"`
	AccessKeyID string `json:"accessKeyId"`
	SecretKey   string `json:"secretKey"`
	Priority    int    `json:"priority"`
	Active      *bool  `json:"active"`
	Shadow      bool   `json:"shadow"`
}

type endpointInfo struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId,omitempty"`
	EndpointURL string `json:"endpointUrl"`
	PublicURL   string `json:"publicUrl,omitempty"`
	Bucket      string `json:"bucket"`
	Region      string `json:"region,omitempty"`
	AccessKeyID string `json:"accessKeyId,omitempty"`
	Priority    int    `json:"priority"`
	Active      bool   `json:"active"`
	Shadow      bool   `json:"shadow"`
	CreatedAt   string `json:"createdAt"`
}

func toEndpointInfo(endpoint endpoints.StorageEndpoint) endpointInfo {
	info := endpointInfo{
		ID:          endpoint.ID.String(),
		EndpointURL: endpoint.EndpointURL,
		PublicURL:   endpoint.PublicURL,
		Bucket:      endpoint.Bucket,
		Region:      endpoint.Region,
		AccessKeyID: endpoint.AccessKeyID,
		Priority:    endpoint.Priority,
		Active:      endpoint.Active,
		Shadow:      endpoint.Shadow,
		CreatedAt:   formatTime(endpoint.CreatedAt),
	}
	if endpoint.ProjectID != nil {
		info.ProjectID = endpoint.ProjectID.String()
	}
	return info
}

func (server *Server) addEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload endpointPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		sendJSONError(w, "invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	if payload.EndpointURL == "" || payload.Bucket == "" {
		sendJSONError(w, "endpoint url and bucket are required", "", http.StatusBadRequest)
		return
	}
	projectID, err := parseOptionalUUID(payload.ProjectID)
	if err != nil {
		sendJSONError(w, "invalid project id", err.Error(), http.StatusBadRequest)
		return
	}

	secretRef := ""
	if payload.SecretKey != "" {
		secretRef, err = vault.Encrypt(payload.SecretKey, server.config.MasterKey)
		if err != nil {
			server.serveError(w, err)
			return
		}
	}

	endpoint := endpoints.StorageEndpoint{
		ID:           uuid.New(),
		ProjectID:    projectID,
		EndpointURL:  payload.EndpointURL,
		PublicURL:    payload.PublicURL,
		Bucket:       payload.Bucket,
		Region:       payload.Region,
		AccessKeyID:  payload.AccessKeyID,
		SecretKeyRef: secretRef,
		Priority:     payload.Priority,
		Active:       payload.Active == nil || *payload.Active,
		Shadow:       payload.Shadow,
	}
	if err := server.endpoints.Create(ctx, endpoint); err != nil {
		server.serveError(w, err)
		return
	}
	server.invalidateResolved(projectID)

	created, err := server.endpoints.Get(ctx, endpoint.ID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, toEndpointInfo(created))
}

func (server *Server) updateEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		sendJSONError(w, "invalid endpoint id", err.Error(), http.StatusBadRequest)
		return
	}
	endpoint, err := server.endpoints.Get(ctx, id)
	if err != nil {
		server.serveError(w, err)
		return
	}

	var payload endpointPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		sendJSONError(w, "invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	if payload.EndpointURL == "" || payload.Bucket == "" {
		sendJSONError(w, "endpoint url and bucket are required", "", http.StatusBadRequest)
		return
	}

	endpoint.EndpointURL = payload.EndpointURL
	endpoint.PublicURL = payload.PublicURL
	endpoint.Bucket = payload.Bucket
	endpoint.Region = payload.Region
	endpoint.AccessKeyID = payload.AccessKeyID
	endpoint.Priority = payload.Priority
	endpoint.Shadow = payload.Shadow
	if payload.Active != nil {
		endpoint.Active = *payload.Active
	}
	if payload.SecretKey != "" {
		endpoint.SecretKeyRef, err = vault.Encrypt(payload.SecretKey, server.config.MasterKey)
		if err != nil {
			server.serveError(w, err)
			return
		}
	}

	if err := server.endpoints.Update(ctx, endpoint); err != nil {
		server.serveError(w, err)
		return
	}
	server.invalidateResolved(endpoint.ProjectID)

	sendJSON(w, http.StatusOK, toEndpointInfo(endpoint))
}

func (server *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		sendJSONError(w, "invalid endpoint id", err.Error(), http.StatusBadRequest)
		return
	}
	endpoint, err := server.endpoints.Get(ctx, id)
	if err != nil {
		server.serveError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toEndpointInfo(endpoint))
}

// listEndpoints returns the active endpoints a project resolves against,
// or the global defaults when no project is given.
func (server *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var list []endpoints.StorageEndpoint
	if projectParam := r.URL.Query().Get("project"); projectParam != "" {
		projectID, err := uuid.Parse(projectParam)
		if err != nil {
			sendJSONError(w, "invalid project id", err.Error(), http.StatusBadRequest)
			return
		}
		scoped, err := server.endpoints.ListActive(ctx, projectID)
		if err != nil {
			server.serveError(w, err)
			return
		}
		shadows, err := server.endpoints.ListShadows(ctx, projectID)
		if err != nil {
			server.serveError(w, err)
			return
		}
		list = append(scoped, shadows...)
	} else {
		var err error
		list, err = server.endpoints.ListActiveGlobal(ctx)
		if err != nil {
			server.serveError(w, err)
			return
		}
	}

	infos := make([]endpointInfo, 0, len(list))
	for _, endpoint := range list {
		infos = append(infos, toEndpointInfo(endpoint))
	}
	sendJSON(w, http.StatusOK, infos)
}

// invalidateResolved drops cached endpoint resolutions affected by a
// registry write. Global edits flush everything.
func (server *Server) invalidateResolved(projectID *uuid.UUID) {
	if server.resolver == nil {
		return
	}
	if projectID != nil {
		server.resolver.Invalidate(*projectID)
		return
	}
	server.resolver.InvalidateAll()
}
