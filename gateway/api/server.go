// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package api implements the device-facing ingest HTTP API and the
// operator surface for the storage endpoint registry.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rejourney/ingest/gateway/console"
	"github.com/rejourney/ingest/gateway/endpoints"
	"github.com/rejourney/ingest/gateway/objectstore"
	"github.com/rejourney/ingest/gateway/promotion"
	"github.com/rejourney/ingest/gateway/sessions"
)

var mon = monkit.Package()

// Error is the default error class for the api package.
var Error = errs.Class("ingest api")

// Config contains configurable values for the ingest API server.
type Config struct {
	Address string `help:"ingest api http listening address" default:":7777"`

	AdminToken string `help:"bearer token for the operator endpoint registry api; empty disables it" default:""`
	MasterKey  string `internal:"true"`

	MaxUploadBytes int64 `help:"maximum accepted direct upload body size" default:"33554432"`
}

// Server hosts the ingest endpoints.
//
// architecture: Endpoint
type Server struct {
	log *zap.Logger

	listener net.Listener
	server   http.Server

	console   console.DB
	sessionDB sessions.DB
	sessions  *sessions.Service
	promotion *promotion.Service
	pool      *objectstore.Pool
	endpoints endpoints.DB
	resolver  *endpoints.Resolver

	config Config
}

// NewServer returns a new ingest API server.
func NewServer(
	log *zap.Logger,
	listener net.Listener,
	consoleDB console.DB,
	sessionDB sessions.DB,
	sessionService *sessions.Service,
	promotionService *promotion.Service,
	pool *objectstore.Pool,
	endpointsDB endpoints.DB,
	resolver *endpoints.Resolver,
	config Config,
) *Server {
	server := &Server{
		log: log,

		listener: listener,

		console:   consoleDB,
		sessionDB: sessionDB,
		sessions:  sessionService,
		promotion: promotionService,
		pool:      pool,
		endpoints: endpointsDB,
		resolver:  resolver,

		config: config,
	}

	root := mux.NewRouter()
	api := root.PathPrefix("/api/v1/").Subrouter()

	device := api.NewRoute().Subrouter()
	device.Use(server.withProject)
	device.HandleFunc("/projects/{project}/uploads", server.presignUpload).Methods("POST")
	device.HandleFunc("/projects/{project}/uploads/direct", server.directUpload).Methods("POST")
	device.HandleFunc("/projects/{project}/uploads/complete", server.completeUpload).Methods("POST")
	device.HandleFunc("/artifacts/{artifact}/download", server.downloadArtifact).Methods("GET")
	device.HandleFunc("/sessions/{session}/finish", server.finishSession).Methods("POST")

	admin := api.PathPrefix("/admin/").Subrouter()
	admin.Use(server.withAdminAuth)
	admin.HandleFunc("/endpoints", server.addEndpoint).Methods("POST")
	admin.HandleFunc("/endpoints", server.listEndpoints).Methods("GET")
	admin.HandleFunc("/endpoints/{id}", server.getEndpoint).Methods("GET")
	admin.HandleFunc("/endpoints/{id}", server.updateEndpoint).Methods("PUT")

	server.server.Handler = root
	return server
}

// Run starts serving until ctx is canceled.
func (server *Server) Run(ctx context.Context) error {
	if server.listener == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close closes server and underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// TestingHandler exposes the router for handler tests.
func (server *Server) TestingHandler() http.Handler {
	return server.server.Handler
}

// serveError maps service failures to the documented status codes without
// leaking endpoint topology to devices.
func (server *Server) serveError(w http.ResponseWriter, err error) {
	switch {
	case endpoints.ErrNoEndpoint.Has(err):
		sendJSONError(w, "no storage endpoint available", "", http.StatusServiceUnavailable)
	case console.ErrNotFound.Has(err),
		endpoints.ErrNotFound.Has(err),
		sessions.ErrSessionNotFound.Has(err),
		sessions.ErrArtifactNotFound.Has(err):
		sendJSONError(w, "not found", "", http.StatusNotFound)
	case objectstore.Error.Has(err):
		server.log.Error("storage request failed", zap.Error(err))
		sendJSONError(w, "storage unavailable", "", http.StatusBadGateway)
	default:
		server.log.Error("request failed", zap.Error(err))
		sendJSONError(w, "internal error", "", http.StatusInternalServerError)
	}
}

// sendJSONError writes a JSON error to response output stream.
func sendJSONError(w http.ResponseWriter, errMsg, detail string, statusCode int) {
	errStr := struct {
		Error  string `json:"error"`
		Detail string `json:"detail,omitempty"`
	}{
		Error:  errMsg,
		Detail: detail,
	}
	body, err := json.Marshal(errStr)
	if err != nil {
		http.Error(w, errMsg, statusCode)
		return
	}
	sendJSONData(w, statusCode, body)
}

// sendJSONData writes JSON bytes to response output stream.
func sendJSONData(w http.ResponseWriter, statusCode int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}

func sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, statusCode, body)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
