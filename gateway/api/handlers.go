// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rejourney/ingest/gateway/promotion"
	"github.com/rejourney/ingest/gateway/sessions"
)

type presignRequest struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
}

type presignResponse struct {
	UploadURL  string `json:"uploadUrl"`
	ObjectKey  string `json:"objectKey"`
	EndpointID string `json:"endpointId,omitempty"`
	ExpiresAt  string `json:"expiresAt"`
}

func (server *Server) presignUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project, ok := projectFromContext(ctx)
	if !ok {
		sendJSONError(w, "unauthorized", "", http.StatusUnauthorized)
		return
	}

	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	kind, err := parseArtifactKind(req.Kind)
	if err != nil {
		sendJSONError(w, "invalid artifact kind", err.Error(), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		sendJSONError(w, "session id is required", "", http.StatusBadRequest)
		return
	}

	objectKey := buildObjectKey(project.ID, req.SessionID, kind)
	presigned, err := server.pool.PresignUpload(ctx, project.ID, objectKey)
	if err != nil {
		server.serveError(w, err)
		return
	}

	resp := presignResponse{
		UploadURL: presigned.URL,
		ObjectKey: objectKey,
		ExpiresAt: formatTime(presigned.ExpiresAt),
	}
	if presigned.EndpointID != nil {
		resp.EndpointID = presigned.EndpointID.String()
	}
	sendJSON(w, http.StatusOK, resp)
}

type completeRequest struct {
	SessionID      string `json:"sessionId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Kind           string `json:"kind"`
	ObjectKey      string `json:"objectKey"`
	EndpointID     string `json:"endpointId"`
	SizeBytes      int64  `json:"sizeBytes"`
}

func (server *Server) completeUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project, ok := projectFromContext(ctx)
	if !ok {
		sendJSONError(w, "unauthorized", "", http.StatusUnauthorized)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	kind, err := parseArtifactKind(req.Kind)
	if err != nil {
		sendJSONError(w, "invalid artifact kind", err.Error(), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.ObjectKey == "" {
		sendJSONError(w, "session id and object key are required", "", http.StatusBadRequest)
		return
	}
	endpointID, err := parseOptionalUUID(req.EndpointID)
	if err != nil {
		sendJSONError(w, "invalid endpoint id", err.Error(), http.StatusBadRequest)
		return
	}

	result, err := server.sessions.Complete(ctx, sessions.CompleteRequest{
		ProjectID:      project.ID,
		TeamID:         project.TeamID,
		SessionID:      req.SessionID,
		IdempotencyKey: req.IdempotencyKey,
		Kind:           kind,
		ObjectKey:      req.ObjectKey,
		EndpointID:     endpointID,
		SizeBytes:      req.SizeBytes,
	})
	if err != nil {
		server.serveError(w, err)
		return
	}
	if !result.Allowed {
		sendJSON(w, http.StatusPaymentRequired, result)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

func (server *Server) directUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project, ok := projectFromContext(ctx)
	if !ok {
		sendJSONError(w, "unauthorized", "", http.StatusUnauthorized)
		return
	}

	sessionID := r.Header.Get("X-Session-Id")
	kind, err := parseArtifactKind(r.Header.Get("X-Artifact-Kind"))
	if err != nil {
		sendJSONError(w, "invalid artifact kind", err.Error(), http.StatusBadRequest)
		return
	}
	if sessionID == "" {
		sendJSONError(w, "session id is required", "", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, server.config.MaxUploadBytes))
	if err != nil {
		sendJSONError(w, "upload too large", "", http.StatusRequestEntityTooLarge)
		return
	}

	// bytes land before admission; a rejected session leaves an orphan
	// object the retention sweep removes
	objectKey := buildObjectKey(project.ID, sessionID, kind)
	endpointID, err := server.pool.UploadPrimary(ctx, project.ID, objectKey, data, r.Header.Get("Content-Type"), nil)
	if err != nil {
		server.serveError(w, err)
		return
	}

	result, err := server.sessions.Complete(ctx, sessions.CompleteRequest{
		ProjectID:      project.ID,
		TeamID:         project.TeamID,
		SessionID:      sessionID,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		Kind:           kind,
		ObjectKey:      objectKey,
		EndpointID:     endpointID,
		SizeBytes:      int64(len(data)),
	})
	if err != nil {
		server.serveError(w, err)
		return
	}
	if !result.Allowed {
		server.log.Warn("direct upload rejected after storing bytes",
			zap.Stringer("project", project.ID), zap.String("key", objectKey), zap.String("reason", result.Reason))
		sendJSON(w, http.StatusPaymentRequired, result)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

type downloadResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

func (server *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project, ok := projectFromContext(ctx)
	if !ok {
		sendJSONError(w, "unauthorized", "", http.StatusUnauthorized)
		return
	}

	artifactID, err := uuid.Parse(mux.Vars(r)["artifact"])
	if err != nil {
		sendJSONError(w, "invalid artifact id", err.Error(), http.StatusBadRequest)
		return
	}

	artifact, err := server.sessionDB.GetArtifact(ctx, artifactID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	if artifact.ProjectID != project.ID {
		sendJSONError(w, "not found", "", http.StatusNotFound)
		return
	}

	signed, err := server.pool.DownloadURL(ctx, artifact.ProjectID, artifact.EndpointID, artifact.ObjectKey)
	if err != nil {
		server.serveError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, downloadResponse{DownloadURL: signed})
}

type finishRequest struct {
	CrashCount         int  `json:"crashCount"`
	ANRCount           int  `json:"anrCount"`
	RageTapCount       int  `json:"rageTapCount"`
	APIRequestCount    int  `json:"apiRequestCount"`
	APIFailureCount    int  `json:"apiFailureCount"`
	NetworkConstrained bool `json:"networkConstrained"`
}

type finishResponse struct {
	Promoted  bool   `json:"promoted"`
	Reason    string `json:"reason,omitempty"`
	Score     int    `json:"score"`
	Throttled bool   `json:"throttled,omitempty"`
}

func (server *Server) finishSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project, ok := projectFromContext(ctx)
	if !ok {
		sendJSONError(w, "unauthorized", "", http.StatusUnauthorized)
		return
	}

	sessionID := mux.Vars(r)["session"]
	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "invalid request body", err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := server.sessionDB.GetSession(ctx, project.ID, sessionID); err != nil {
		server.serveError(w, err)
		return
	}

	decision, err := server.promotion.EvaluateSession(ctx, project.ID, sessionID, promotion.Metrics{
		CrashCount:         req.CrashCount,
		ANRCount:           req.ANRCount,
		RageTapCount:       req.RageTapCount,
		APIRequestCount:    req.APIRequestCount,
		APIFailureCount:    req.APIFailureCount,
		NetworkConstrained: req.NetworkConstrained,
	})
	if err != nil {
		server.serveError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, finishResponse{
		Promoted:  decision.Promoted,
		Reason:    decision.Reason,
		Score:     decision.Score,
		Throttled: decision.Throttled,
	})
}

func parseArtifactKind(kind string) (sessions.ArtifactKind, error) {
	switch sessions.ArtifactKind(kind) {
	case sessions.KindEventBatch:
		return sessions.KindEventBatch, nil
	case sessions.KindSegment:
		return sessions.KindSegment, nil
	default:
		return "", Error.New("unknown kind %q", kind)
	}
}

func parseOptionalUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func buildObjectKey(projectID uuid.UUID, sessionID string, kind sessions.ArtifactKind) string {
	return projectID.String() + "/" + sessionID + "/" + string(kind) + "-" + uuid.New().String()
}
