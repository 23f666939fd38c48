// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package gateway

import (
	"context"
	"net"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rejourney/ingest/cache/redis"
	"github.com/rejourney/ingest/gateway/admission"
	"github.com/rejourney/ingest/gateway/api"
	"github.com/rejourney/ingest/gateway/endpoints"
	"github.com/rejourney/ingest/gateway/objectstore"
	"github.com/rejourney/ingest/gateway/promotion"
	"github.com/rejourney/ingest/gateway/sessions"
)

// Peer is the ingest gateway process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  DB

	// Cache is nil when no cache url is configured; every consumer
	// degrades to direct database reads.
	Cache *redis.Client

	Endpoints struct {
		Resolver *endpoints.Resolver
	}

	Storage struct {
		Pool *objectstore.Pool
	}

	Admission struct {
		Gate *admission.Gate
	}

	Sessions struct {
		Service *sessions.Service
	}

	Promotion struct {
		Service *promotion.Service
	}

	API struct {
		Listener net.Listener
		Server   *api.Server
	}
}

// New creates a new ingest gateway peer.
func New(ctx context.Context, log *zap.Logger, db DB, config Config) (*Peer, error) {
	peer := &Peer{
		Log: log,
		DB:  db,
	}

	if config.Cache.URL != "" {
		cache, err := redis.NewClientFrom(ctx, config.Cache.URL)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Cache = cache
	} else {
		log.Warn("running without a cache; quota checks and idempotency fall back to the database")
	}

	{ // setup storage endpoint routing
		peer.Endpoints.Resolver = endpoints.NewResolver(
			log.Named("endpoints:resolver"),
			peer.DB.Endpoints(),
			config.Endpoints,
		)

		peer.Storage.Pool = objectstore.NewPool(
			log.Named("objectstore"),
			peer.Endpoints.Resolver,
			peer.DB.Endpoints(),
			config.Endpoints.Fallback,
			config.ObjectStore,
		)
	}

	{ // setup admission control
		peer.Admission.Gate = admission.NewGate(
			log.Named("admission"),
			peer.DB.Console(),
			peer.DB.Usage(),
			peer.Cache,
			config.Admission,
		)
	}

	{ // setup session accounting
		peer.Sessions.Service = sessions.NewService(
			log.Named("sessions"),
			peer.DB.Sessions(),
			peer.Admission.Gate,
			peer.Cache,
			peer.Storage.Pool,
			config.Sessions,
		)
	}

	{ // setup replay promotion
		peer.Promotion.Service = promotion.NewService(
			log.Named("promotion"),
			peer.DB.Sessions(),
			peer.Cache,
			config.Promotion,
		)
	}

	{ // setup ingest api
		listener, err := net.Listen("tcp", config.API.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.API.Listener = listener

		apiConfig := config.API
		if apiConfig.MasterKey == "" {
			apiConfig.MasterKey = config.ObjectStore.MasterKey
		}

		peer.API.Server = api.NewServer(
			log.Named("api"),
			peer.API.Listener,
			peer.DB.Console(),
			peer.DB.Sessions(),
			peer.Sessions.Service,
			peer.Promotion.Service,
			peer.Storage.Pool,
			peer.DB.Endpoints(),
			peer.Endpoints.Resolver,
			apiConfig,
		)
	}

	return peer, nil
}

// Run runs the gateway until the context is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return peer.API.Server.Run(ctx)
	})
	return group.Wait()
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	var errlist errs.Group

	if peer.API.Server != nil {
		errlist.Add(peer.API.Server.Close())
	} else if peer.API.Listener != nil {
		errlist.Add(peer.API.Listener.Close())
	}
	if peer.Storage.Pool != nil {
		errlist.Add(peer.Storage.Pool.Close())
	}
	if peer.Cache != nil {
		errlist.Add(peer.Cache.Close())
	}

	return Error.Wrap(errlist.Err())
}
