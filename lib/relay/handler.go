// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"git.arvados.org/spotrelay.git/lib/failover"
	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/provision"
	"git.arvados.org/spotrelay.git/lib/service"
	"git.arvados.org/spotrelay.git/lib/snapshot"
	"git.arvados.org/spotrelay.git/lib/warmpool"
	"git.arvados.org/spotrelay.git/sdk/go/ctxlog"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const apiPrefix = "/spotrelay/v1"

// NewHandler is a service.NewHandlerFunc that builds the cluster's
// stack, resumes saved warm pools, and serves the management API.
func NewHandler(ctx context.Context, cluster *spotrelay.Cluster, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	st, err := NewStack(ctx, cluster, Options{}, logger, reg)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	if err := st.Resume(ctx); err != nil {
		st.Close()
		return service.ErrorHandler(ctx, err)
	}
	h := newHandler(ctx, st, logger)
	go func() {
		<-ctx.Done()
		st.Close()
	}()
	return h
}

type handler struct {
	stack  *Stack
	token  string
	ctx    context.Context
	logger logrus.FieldLogger
	router *httprouter.Router
}

func newHandler(ctx context.Context, st *Stack, logger logrus.FieldLogger) *handler {
	h := &handler{
		stack:  st,
		token:  st.Cluster.ManagementToken,
		ctx:    ctx,
		logger: logger,
		router: httprouter.New(),
	}
	h.router.GET(apiPrefix+"/pools", h.listPools)
	h.router.GET(apiPrefix+"/pools/:machine", h.getPool)
	h.router.POST(apiPrefix+"/pools/:machine", h.enablePool)
	h.router.POST(apiPrefix+"/pools/:machine/retry", h.retryPool)
	h.router.DELETE(apiPrefix+"/pools/:machine", h.teardownPool)
	h.router.POST(apiPrefix+"/provision", h.provision)
	h.router.POST(apiPrefix+"/failover", h.failover)
	h.router.POST(apiPrefix+"/snapshots", h.captureSnapshot)
	h.router.GET(apiPrefix+"/snapshots/:node", h.listSnapshots)
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token == "" {
		http.Error(w, "management API is disabled", http.StatusNotFound)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.router.ServeHTTP(w, r)
}

func (h *handler) CheckHealth() error {
	return nil
}

func (h *handler) Done() <-chan struct{} {
	return nil
}

func (h *handler) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("error writing response")
	}
}

func (h *handler) sendError(w http.ResponseWriter, status int, err error) {
	h.sendJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (h *handler) listPools(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pools := h.stack.Pools.List()
	if pools == nil {
		pools = []warmpool.Record{}
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"items": pools})
}

func (h *handler) getPool(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rec, ok := h.stack.Pools.PoolStatus(ps.ByName("machine"))
	if !ok {
		h.sendError(w, http.StatusNotFound, warmpool.ErrNotActive)
		return
	}
	h.sendJSON(w, http.StatusOK, rec)
}

// enablePool starts provisioning a warm pool in the background and
// responds 202 with the pool's initial status. Missing parameters
// take the cluster defaults.
func (h *handler) enablePool(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	params := h.defaultPoolParams()
	if err := decodeBody(r, &params); err != nil {
		h.sendError(w, http.StatusBadRequest, err)
		return
	}
	if params.GPUName == "" {
		h.sendError(w, http.StatusBadRequest, errors.New("gpu_name is required"))
		return
	}
	machineID := ps.ByName("machine")
	mgr := h.stack.Pools.Manager(machineID)
	if rec := mgr.Status(); rec.State != warmpool.StateDisabled && rec.State != warmpool.StateError && rec.State != warmpool.StateDegraded {
		h.sendJSON(w, http.StatusConflict, rec)
		return
	}
	go func() {
		logger := h.logger.WithField("MachineID", machineID)
		if err := mgr.Enable(h.ctx, params); err != nil {
			logger.WithError(err).Warn("warm pool enable failed")
		}
	}()
	h.sendJSON(w, http.StatusAccepted, mgr.Status())
}

func (h *handler) defaultPoolParams() warmpool.Params {
	cc := h.stack.Cluster
	return warmpool.Params{
		GPUName:       cc.WarmPool.GPUName,
		MaxPrice:      cc.WarmPool.MaxPrice,
		Image:         cc.Market.Image,
		DiskGB:        float64(cc.Market.DiskSize.GB()),
		StartupScript: cc.Market.StartupScript,
	}
}

func (h *handler) retryPool(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	mgr, ok := h.stack.Pools.Lookup(ps.ByName("machine"))
	if !ok {
		h.sendError(w, http.StatusNotFound, warmpool.ErrNotActive)
		return
	}
	go func() {
		if err := mgr.Retry(h.ctx); err != nil {
			h.logger.WithField("MachineID", ps.ByName("machine")).WithError(err).Warn("warm pool retry failed")
		}
	}()
	h.sendJSON(w, http.StatusAccepted, mgr.Status())
}

func (h *handler) teardownPool(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	mgr, ok := h.stack.Pools.Lookup(ps.ByName("machine"))
	if !ok {
		h.sendError(w, http.StatusNotFound, warmpool.ErrNotActive)
		return
	}
	deletePrimary := r.URL.Query().Get("delete_primary") == "true"
	if err := mgr.Teardown(r.Context(), deletePrimary); err != nil {
		h.sendError(w, http.StatusInternalServerError, err)
		return
	}
	h.sendJSON(w, http.StatusOK, mgr.Status())
}

func (h *handler) provision(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req provision.Request
	if err := decodeBody(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, err)
		return
	}
	out := h.stack.Provisioner.Provision(r.Context(), req)
	status := http.StatusOK
	if !out.Success {
		status = http.StatusServiceUnavailable
	}
	h.sendJSON(w, status, out)
}

type failoverRequest struct {
	MachineID     string            `json:"machine_id"`
	NodeID        market.NodeID     `json:"node_id"`
	Endpoint      string            `json:"endpoint"`
	Strategy      failover.Strategy `json:"strategy"`
	WorkspacePath string            `json:"workspace_path"`
	Provision     provision.Request `json:"provision"`
}

func (h *handler) failover(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req failoverRequest
	if err := decodeBody(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := failover.ParseStrategy(string(req.Strategy)); err != nil {
		h.sendError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.stack.Failover.Execute(r.Context(), failover.Request(req))
	switch {
	case errors.Is(err, failover.ErrInProgress):
		h.sendJSON(w, http.StatusConflict, rec)
	case errors.Is(err, failover.ErrDisabled):
		h.sendJSON(w, http.StatusForbidden, rec)
	case err != nil:
		h.sendJSON(w, http.StatusBadGateway, rec)
	default:
		h.sendJSON(w, http.StatusOK, rec)
	}
}

type captureRequest struct {
	NodeID        string `json:"node_id"`
	Endpoint      string `json:"endpoint"`
	WorkspacePath string `json:"workspace_path"`
}

func (h *handler) captureSnapshot(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req captureRequest
	if err := decodeBody(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, err)
		return
	}
	if req.NodeID == "" || req.Endpoint == "" {
		h.sendError(w, http.StatusBadRequest, errors.New("node_id and endpoint are required"))
		return
	}
	if req.WorkspacePath == "" {
		req.WorkspacePath = h.stack.Cluster.Snapshot.WorkspacePath
	}
	m, err := h.stack.Snapshots.CaptureLatest(r.Context(), req.NodeID, req.Endpoint, req.WorkspacePath)
	if err != nil {
		h.sendError(w, http.StatusBadGateway, err)
		return
	}
	h.sendJSON(w, http.StatusOK, m)
}

func (h *handler) listSnapshots(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ents, err := h.stack.Store.ListSnapshots(r.Context(), ps.ByName("node"))
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err)
		return
	}
	if ents == nil {
		ents = []snapshot.IndexEntry{}
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"items": ents})
}
