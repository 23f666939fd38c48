// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package objectstore maintains long-lived S3 clients per storage endpoint
// and performs primary uploads, presigning and best-effort shadow
// replication.
package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rejourney/ingest/gateway/endpoints"
	"github.com/rejourney/ingest/gateway/vault"
)

var mon = monkit.Package()

// Error is the objectstore error class. Failures in the primary write
// path carry this class and are surfaced to the caller; shadow failures
// are logged only.
var Error = errs.Class("objectstore")

// Config contains configurable values for the storage client pool.
type Config struct {
	MasterKey     string        `help:"hex-encoded 32-byte master key for decrypting endpoint secrets" default:""`
	SelfHosted    bool          `help:"whether environment credentials may substitute for missing or undecryptable endpoint secrets" default:"false"`
	PresignExpiry time.Duration `help:"lifetime of presigned upload and download urls" default:"15m"`
	ShadowTimeout time.Duration `help:"timeout for one shadow endpoint copy" default:"30s"`
}

// PresignedUpload is handed to the SDK for a client-side PUT.
type PresignedUpload struct {
	URL string
	// EndpointID identifies the endpoint the URL targets so the
	// completing call can pin the artifact. Nil for environment
	// endpoints.
	EndpointID *uuid.UUID
	ExpiresAt  time.Time
}

// endpointClient holds the two clients for one endpoint: the public one
// signs URLs reachable by devices, the server one performs direct reads
// and writes over the internal address.
type endpointClient struct {
	endpoint endpoints.StorageEndpoint
	server   *minio.Client
	public   *minio.Client
}

// Pool resolves endpoints to clients and routes uploads.
//
// architecture: Service
type Pool struct {
	log      *zap.Logger
	resolver *endpoints.Resolver
	db       endpoints.DB
	fallback endpoints.FallbackConfig
	config   Config

	mu      sync.Mutex
	clients map[uuid.UUID]*endpointClient

	shadow sync.WaitGroup
}

// NewPool creates a storage client pool.
func NewPool(log *zap.Logger, resolver *endpoints.Resolver, db endpoints.DB, fallback endpoints.FallbackConfig, config Config) *Pool {
	return &Pool{
		log:      log,
		resolver: resolver,
		db:       db,
		fallback: fallback,
		config:   config,
		clients:  make(map[uuid.UUID]*endpointClient),
	}
}

// PresignUpload resolves the project's endpoint and returns a presigned
// PUT URL for it. The endpoint choice is fixed between this call and the
// later complete call by the returned endpoint id.
func (pool *Pool) PresignUpload(ctx context.Context, projectID uuid.UUID, objectKey string) (_ PresignedUpload, err error) {
	defer mon.Task()(&ctx)(&err)

	endpoint, err := pool.resolver.Resolve(ctx, projectID)
	if err != nil {
		return PresignedUpload{}, err
	}
	client, err := pool.client(endpoint)
	if err != nil {
		return PresignedUpload{}, err
	}

	signed, err := client.public.PresignedPutObject(ctx, endpoint.Bucket, objectKey, pool.config.PresignExpiry)
	if err != nil {
		return PresignedUpload{}, Error.Wrap(err)
	}

	return PresignedUpload{
		URL:        signed.String(),
		EndpointID: endpointIDForPinning(endpoint),
		ExpiresAt:  time.Now().Add(pool.config.PresignExpiry),
	}, nil
}

// UploadPrimary writes data to the project's resolved endpoint and then
// fans identical copies out to every shadow endpoint asynchronously. A
// primary failure is returned to the caller; the endpoint choice is not
// retried against another endpoint mid-request.
func (pool *Pool) UploadPrimary(ctx context.Context, projectID uuid.UUID, objectKey string, data []byte, contentType string, metadata map[string]string) (_ *uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	endpoint, err := pool.resolver.Resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	client, err := pool.client(endpoint)
	if err != nil {
		return nil, err
	}

	err = putObject(ctx, client, objectKey, data, contentType, metadata)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	pool.fanOutShadows(projectID, objectKey, data, contentType, metadata)

	return endpointIDForPinning(endpoint), nil
}

// Replicate copies an already-uploaded object to every shadow endpoint.
// It returns immediately; the copy runs with its own timeout and failures
// are logged, never retried or surfaced. Used after presigned uploads,
// where the gateway never held the bytes.
func (pool *Pool) Replicate(projectID uuid.UUID, endpointID *uuid.UUID, objectKey string) {
	pool.shadow.Add(1)
	go func() {
		defer pool.shadow.Done()

		ctx, cancel := context.WithTimeout(context.Background(), pool.config.ShadowTimeout)
		defer cancel()

		client, err := pool.pinnedClient(ctx, projectID, endpointID)
		if err != nil {
			pool.log.Warn("shadow replication source unavailable",
				zap.Stringer("project", projectID), zap.String("key", objectKey), zap.Error(err))
			return
		}

		object, err := client.server.GetObject(ctx, client.endpoint.Bucket, objectKey, minio.GetObjectOptions{})
		if err != nil {
			pool.log.Warn("shadow replication read failed",
				zap.Stringer("project", projectID), zap.String("key", objectKey), zap.Error(err))
			return
		}
		defer func() { _ = object.Close() }()

		shadows, err := pool.resolver.Shadows(ctx, projectID)
		if err != nil || len(shadows) == 0 {
			return
		}

		stat, err := object.Stat()
		if err != nil {
			pool.log.Warn("shadow replication read failed",
				zap.Stringer("project", projectID), zap.String("key", objectKey), zap.Error(err))
			return
		}

		// a single reader cannot be sent to several targets; buffer once
		data, err := io.ReadAll(object)
		if err != nil {
			pool.log.Warn("shadow replication read failed",
				zap.Stringer("project", projectID), zap.String("key", objectKey), zap.Error(err))
			return
		}

		pool.uploadToShadows(ctx, shadows, objectKey, data, stat.ContentType, nil)
	}()
}

// WaitReplication blocks until all in-flight shadow work has finished.
func (pool *Pool) WaitReplication() {
	pool.shadow.Wait()
}

// Close waits for in-flight shadow uploads to drain.
func (pool *Pool) Close() error {
	pool.shadow.Wait()
	return nil
}

// DownloadURL returns a presigned GET URL for an artifact's bytes. When
// endpointID is set the artifact is pinned: the bytes are guaranteed to
// exist on that endpoint and no other. Legacy rows without a pin resolve
// via the project default.
func (pool *Pool) DownloadURL(ctx context.Context, projectID uuid.UUID, endpointID *uuid.UUID, objectKey string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := pool.pinnedClient(ctx, projectID, endpointID)
	if err != nil {
		return "", err
	}
	signed, err := client.public.PresignedGetObject(ctx, client.endpoint.Bucket, objectKey, pool.config.PresignExpiry, url.Values{})
	if err != nil {
		return "", Error.Wrap(err)
	}
	return signed.String(), nil
}

// fanOutShadows asynchronously copies data to every shadow endpoint,
// waiting for all and ignoring individual failures.
func (pool *Pool) fanOutShadows(projectID uuid.UUID, objectKey string, data []byte, contentType string, metadata map[string]string) {
	pool.shadow.Add(1)
	go func() {
		defer pool.shadow.Done()

		ctx, cancel := context.WithTimeout(context.Background(), pool.config.ShadowTimeout)
		defer cancel()

		shadows, err := pool.resolver.Shadows(ctx, projectID)
		if err != nil {
			pool.log.Warn("shadow endpoint lookup failed", zap.Stringer("project", projectID), zap.Error(err))
			return
		}
		pool.uploadToShadows(ctx, shadows, objectKey, data, contentType, metadata)
	}()
}

func (pool *Pool) uploadToShadows(ctx context.Context, shadows []endpoints.StorageEndpoint, objectKey string, data []byte, contentType string, metadata map[string]string) {
	var group sync.WaitGroup
	for _, shadow := range shadows {
		group.Add(1)
		go func(shadow endpoints.StorageEndpoint) {
			defer group.Done()

			client, err := pool.client(shadow)
			if err == nil {
				err = putObject(ctx, client, objectKey, data, contentType, metadata)
			}
			if err != nil {
				mon.Counter("shadow_upload_failed").Inc(1)
				pool.log.Warn("shadow upload failed",
					zap.Stringer("endpoint", shadow.ID),
					zap.String("key", objectKey),
					zap.Error(err))
			}
		}(shadow)
	}
	group.Wait()
}

// pinnedClient returns the client for an explicitly pinned endpoint, or
// the project's resolved endpoint when no pin exists.
func (pool *Pool) pinnedClient(ctx context.Context, projectID uuid.UUID, endpointID *uuid.UUID) (*endpointClient, error) {
	var endpoint endpoints.StorageEndpoint
	var err error
	if endpointID != nil {
		endpoint, err = pool.db.Get(ctx, *endpointID)
	} else {
		endpoint, err = pool.resolver.Resolve(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}
	return pool.client(endpoint)
}

// client returns the cached client pair for an endpoint, creating it on
// first use. Clients are keyed by endpoint id and live for the process
// lifetime; registry edits that change credentials require a restart or a
// zero-downtime rolling deploy.
func (pool *Pool) client(endpoint endpoints.StorageEndpoint) (*endpointClient, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if client, ok := pool.clients[endpoint.ID]; ok {
		return client, nil
	}

	accessKey, secretKey, err := pool.credentials(endpoint)
	if err != nil {
		return nil, err
	}

	server, err := newMinioClient(endpoint.EndpointURL, endpoint.Region, accessKey, secretKey)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	public := server
	if endpoint.PublicURL != "" && endpoint.PublicURL != endpoint.EndpointURL {
		public, err = newMinioClient(endpoint.PublicURL, endpoint.Region, accessKey, secretKey)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	client := &endpointClient{endpoint: endpoint, server: server, public: public}
	pool.clients[endpoint.ID] = client
	return client, nil
}

// credentials resolves the endpoint's access pair. An empty or
// undecryptable stored secret falls back to environment credentials only
// in self-hosted mode; hosted deployments treat the endpoint as unusable.
func (pool *Pool) credentials(endpoint endpoints.StorageEndpoint) (accessKey, secretKey string, err error) {
	if endpoint.SecretKeyRef == "" {
		if pool.config.SelfHosted {
			return pool.fallback.AccessKeyID, pool.fallback.SecretKey, nil
		}
		return "", "", Error.New("endpoint %s has no stored secret", endpoint.ID)
	}

	secretKey, err = vault.Decrypt(endpoint.SecretKeyRef, pool.config.MasterKey)
	if err != nil {
		pool.log.Error("endpoint secret decryption failed",
			zap.Stringer("endpoint", endpoint.ID), zap.Error(err))
		if pool.config.SelfHosted {
			return pool.fallback.AccessKeyID, pool.fallback.SecretKey, nil
		}
		return "", "", Error.New("endpoint %s unusable: %v", endpoint.ID, err)
	}
	return endpoint.AccessKeyID, secretKey, nil
}

func newMinioClient(endpointURL, region, accessKey, secretKey string) (*minio.Client, error) {
	parsed, err := url.Parse(endpointURL)
	if err != nil {
		return nil, err
	}
	return minio.New(parsed.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: parsed.Scheme == "https",
		Region: region,
	})
}

func putObject(ctx context.Context, client *endpointClient, objectKey string, data []byte, contentType string, metadata map[string]string) error {
	_, err := client.server.PutObject(ctx, client.endpoint.Bucket, objectKey,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  contentType,
			UserMetadata: metadata,
		})
	return err
}

// endpointIDForPinning returns the id used to pin artifacts to this
// endpoint. Environment fallback endpoints have no registry row, so they
// pin nothing and later reads re-resolve.
func endpointIDForPinning(endpoint endpoints.StorageEndpoint) *uuid.UUID {
	if endpoint.ID == uuid.Nil {
		return nil
	}
	id := endpoint.ID
	return &id
}
