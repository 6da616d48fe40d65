// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatchemr is the stepmill dispatch service: it keeps a
// pool of EMR clusters, runs scheduling passes that place submitted
// steps on them, and exposes the management API that feeds both.
package dispatchemr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stepmill/stepmill/lib/controlplane"
	"github.com/stepmill/stepmill/lib/ctrlctx"
	"github.com/stepmill/stepmill/lib/dispatchemr/notify"
	"github.com/stepmill/stepmill/lib/dispatchemr/quota"
	"github.com/stepmill/stepmill/lib/dispatchemr/scheduler"
	"github.com/stepmill/stepmill/lib/objectstore"
	"github.com/stepmill/stepmill/lib/stepstore"
	"github.com/stepmill/stepmill/sdk/go/auth"
	"github.com/stepmill/stepmill/sdk/go/ctxlog"
	"github.com/stepmill/stepmill/sdk/go/httpserver"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

type dispatcher struct {
	Config   *stepmill.ServiceConfig
	Context  context.Context
	Registry *prometheus.Registry

	logger      logrus.FieldLogger
	dbMtx       sync.Mutex
	db          *sqlx.DB
	store       *stepstore.Store
	content     objectstore.ContentStore
	factory     controlplane.Factory
	sink        *metricsSink
	sched       *scheduler.Scheduler
	notifier    *notify.Publisher
	httpHandler http.Handler
	setupOnce   sync.Once
	setupErr    error
	stop        chan struct{}
	stopped     chan struct{}
}

// Start starts the dispatcher. Start can be called multiple times
// with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	if disp.setupErr != nil {
		return disp.setupErr
	}
	db, err := disp.getdb(disp.Context)
	if err != nil {
		return err
	}
	return db.PingContext(disp.Context)
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Stop dispatching and release resources. Used by tests.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

func (disp *dispatcher) setup() {
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})

	store, err := stepstore.New(disp.getdb, disp.Config.CredentialsKey)
	if err != nil {
		disp.fail(err)
		return
	}
	disp.store = store
	if disp.content == nil {
		content, err := objectstore.NewS3Store(disp.Context, disp.logger, disp.Config.AWS.Region)
		if err != nil {
			disp.fail(err)
			return
		}
		disp.content = content
	}
	if disp.factory == nil {
		disp.factory = controlplane.NewEMRFactory(disp.Config.AWS.Region)
	}
	disp.sink = newMetricsSink(disp.Registry)
	disp.sched = scheduler.New(disp.logger, store, disp.factory, disp.sink, disp.Config.Dispatch)
	disp.notifier = notify.New(disp.logger, disp.Config.Notify)

	mux := httprouter.New()
	mux.HandlerFunc("GET", "/stepmill/v1/dispatch", disp.apiStatus)
	mux.POST("/stepmill/v1/manage", disp.serveAPI(http.StatusNoContent, disp.apiManage))
	mux.POST("/stepmill/v1/steps", disp.serveAPI(http.StatusCreated, disp.apiCreateStep))
	mux.GET("/stepmill/v1/steps", disp.serveAPI(http.StatusOK, disp.apiListSteps))
	mux.GET("/stepmill/v1/steps/:id", disp.serveAPI(http.StatusOK, disp.apiGetStep))
	mux.POST("/stepmill/v1/steps/:id/cancel", disp.serveAPI(http.StatusOK, disp.apiCancelStep))
	mux.POST("/stepmill/v1/clusters", disp.serveAPI(http.StatusCreated, disp.apiCreateCluster))
	mux.GET("/stepmill/v1/clusters", disp.serveAPI(http.StatusOK, disp.apiListClusters))
	mux.GET("/stepmill/v1/clusters/:id", disp.serveAPI(http.StatusOK, disp.apiGetCluster))
	mux.POST("/stepmill/v1/clusters/:id/terminate", disp.serveAPI(http.StatusOK, disp.apiTerminateCluster))
	mux.POST("/stepmill/v1/clusters/:id/extend", disp.serveAPI(http.StatusOK, disp.apiExtendCluster))
	mux.POST("/stepmill/v1/clusters/:id/steps", disp.serveAPI(http.StatusCreated, disp.apiInsertStep))
	mux.POST("/stepmill/v1/configs", disp.serveAPI(http.StatusCreated, disp.apiCreateConfig))
	mux.GET("/stepmill/v1/configs", disp.serveAPI(http.StatusOK, disp.apiListConfigs))
	// /metrics and /_health/ping are handled by the service
	// middleware; everything here needs the management token.
	disp.httpHandler = auth.RequireLiteralToken(disp.Config.ManagementToken, mux)

	go disp.run()
}

func (disp *dispatcher) fail(err error) {
	disp.logger.WithError(err).Error("dispatcher setup failed")
	disp.setupErr = err
	disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, err.Error(), http.StatusServiceUnavailable)
	})
	close(disp.stopped)
}

// getdb returns the database handle, opening it on first use.
func (disp *dispatcher) getdb(ctx context.Context) (*sqlx.DB, error) {
	disp.dbMtx.Lock()
	defer disp.dbMtx.Unlock()
	if disp.db != nil {
		return disp.db, nil
	}
	db, err := sqlx.Open("postgres", disp.Config.PostgreSQL.Connection.String())
	if err != nil {
		return nil, err
	}
	if p := disp.Config.PostgreSQL.ConnectionPool; p > 0 {
		db.SetMaxOpenConns(p)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	disp.db = db
	return db, nil
}

// run fires scheduling passes on the configured timer. With
// PollInterval 0 passes run on trigger requests only, and run just
// waits for shutdown.
func (disp *dispatcher) run() {
	defer close(disp.stopped)
	poll := disp.Config.Dispatch.PollInterval.Duration()
	if poll <= 0 {
		select {
		case <-disp.stop:
		case <-disp.Context.Done():
		}
		return
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-disp.stop:
			return
		case <-disp.Context.Done():
			return
		case <-ticker.C:
			if err := disp.runPass(disp.Context, nil); err != nil {
				disp.logger.WithError(err).Error("scheduling pass failed")
			}
		}
	}
}

// runPass executes one scheduling pass under the sitewide dispatch
// lock, in a transaction committed when the pass succeeds.
func (disp *dispatcher) runPass(ctx context.Context, stepIDs []int64) (err error) {
	if !ctrlctx.DispatchLock.Lock(ctx, disp.getdb) {
		return ctx.Err()
	}
	defer ctrlctx.DispatchLock.Unlock()
	ctx, finishtx := ctrlctx.New(ctx, disp.getdb)
	defer finishtx(&err)
	return disp.sched.RunPass(ctx, stepIDs)
}

// apiFunc handles one management API request inside a request-scoped
// transaction; a nil result means no response body.
type apiFunc func(ctx context.Context, r *http.Request, params httprouter.Params) (interface{}, error)

// serveAPI wraps fn with the request transaction and JSON response
// encoding. The transaction commits before the response is written,
// so a client never sees a result that was rolled back.
func (disp *dispatcher) serveAPI(status int, fn apiFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		resp, err := func() (resp interface{}, err error) {
			ctx, finishtx := ctrlctx.New(r.Context(), disp.getdb)
			defer finishtx(&err)
			return fn(ctx, r, params)
		}()
		if err != nil {
			httpserver.Error(w, err.Error(), errorStatus(err))
			return
		}
		if resp == nil {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}
}

// errorStatus maps an error to its response status.
func errorStatus(err error) int {
	var hse httpserver.HTTPStatusError
	if errors.As(err, &hse) {
		return hse.HTTPStatus()
	}
	if errors.Is(err, stepstore.ErrNotFound) || errors.Is(err, objectstore.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// apiStatus reports the dispatcher's identity and config knobs, for
// operators poking at a live service.
func (disp *dispatcher) apiStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(struct {
		Service  string                  `json:"service"`
		Dispatch stepmill.DispatchConfig `json:"dispatch"`
	}{"dispatch-emr", disp.Config.Dispatch})
}

// apiManage runs one scheduling pass, restricted to the steps named
// by the trigger payload.
func (disp *dispatcher) apiManage(ctx context.Context, r *http.Request, _ httprouter.Params) (interface{}, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, NewParseRequestError(err)
	}
	stepIDs, err := parseTrigger(body)
	if err != nil {
		return nil, err
	}
	// The pass manages its own transactions and locking; the
	// request-scoped transaction stays unused.
	return nil, disp.runPass(ctx, stepIDs)
}

// newLimiter returns a fresh per-pass (or per-request) rate limiter.
func (disp *dispatcher) newLimiter() *quota.Limiter {
	return quota.NewLimiter(disp.Config.Dispatch.Quota, disp.Config.Dispatch.FrequencyLimitCoefficient)
}
