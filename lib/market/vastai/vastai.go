// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package vastai implements a market.Market backed by a Vast.ai-style
// REST API.
package vastai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Driver is the market.Driver for Vast.ai-style marketplaces.
var Driver = market.DriverFunc(newMarket)

// Params are the DriverParameters accepted by the vastai driver.
type Params struct {
	APIURL  string
	APIKey  string
	Timeout spotrelay.Duration
	// Retries for transport errors and 5xx responses. 429
	// responses are never retried here; they are returned as
	// market.RateLimitError.
	RetryMax     int
	RetryWaitMin spotrelay.Duration
	RetryWaitMax spotrelay.Duration
	// Delay reported by rate limit errors when the server does
	// not send Retry-After.
	DefaultRateLimitDelay spotrelay.Duration
}

type vastMarket struct {
	params Params
	client *retryablehttp.Client
	logger logrus.FieldLogger
}

func newMarket(cluster *spotrelay.Cluster, logger logrus.FieldLogger) (market.Market, error) {
	var p Params
	if len(cluster.Market.DriverParameters) > 0 {
		if err := json.Unmarshal(cluster.Market.DriverParameters, &p); err != nil {
			return nil, fmt.Errorf("error decoding vastai driver parameters: %w", err)
		}
	}
	return New(p, logger)
}

// New returns a Market using the given parameters.
func New(p Params, logger logrus.FieldLogger) (market.Market, error) {
	if p.APIURL == "" {
		p.APIURL = "https://console.vast.ai/api/v0"
	}
	if _, err := url.Parse(p.APIURL); err != nil {
		return nil, fmt.Errorf("invalid APIURL %q: %w", p.APIURL, err)
	}
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = p.Timeout.Or(time.Minute)
	client.RetryMax = p.RetryMax
	if p.RetryMax == 0 {
		client.RetryMax = 3
	} else if p.RetryMax < 0 {
		client.RetryMax = 0
	}
	client.RetryWaitMin = p.RetryWaitMin.Or(time.Second)
	client.RetryWaitMax = p.RetryWaitMax.Or(10 * time.Second)
	client.Logger = leveledLogger{logger}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if ctx.Value(noRetryKey{}) != nil {
			return false, nil
		}
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return &vastMarket{params: p, client: client, logger: logger}, nil
}

// NewWithURL returns a Market talking to the given API endpoint, with
// retry delays suitable for tests.
func NewWithURL(apiURL, apiKey string, logger logrus.FieldLogger) (market.Market, error) {
	return New(Params{
		APIURL:                apiURL,
		APIKey:                apiKey,
		RetryMax:              2,
		RetryWaitMin:          spotrelay.Duration(time.Millisecond),
		RetryWaitMax:          spotrelay.Duration(10 * time.Millisecond),
		DefaultRateLimitDelay: spotrelay.Duration(50 * time.Millisecond),
	}, logger)
}

type noRetryKey struct{}

// withoutRetry marks a request that must not be resent after a
// transport error or 5xx response, because the server may already
// have acted on it.
func withoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

type quotaError struct {
	error
}

func (quotaError) IsQuotaError() bool {
	return true
}

type apiError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// call sends a request and decodes the JSON response into respBody
// (if not nil).
func (vm *vastMarket) call(ctx context.Context, method, path string, query url.Values, reqBody, respBody interface{}) error {
	u := strings.TrimSuffix(vm.params.APIURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body interface{}
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if vm.params.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+vm.params.APIKey)
	}
	resp, err := vm.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: error reading response: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		aerr := &apiError{StatusCode: resp.StatusCode, Method: method, Path: path, Message: errorMessage(buf)}
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return rateLimitError{error: aerr, earliestRetry: time.Now().Add(vm.retryAfter(resp.Header.Get("Retry-After")))}
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", market.ErrNotFound, aerr)
		case http.StatusPaymentRequired:
			return quotaError{aerr}
		}
		return aerr
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(buf, respBody); err != nil {
		return fmt.Errorf("%s %s: error decoding response: %w", method, path, err)
	}
	return nil
}

func (vm *vastMarket) retryAfter(hdr string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(hdr)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(hdr); err == nil {
		return time.Until(t)
	}
	return vm.params.DefaultRateLimitDelay.Or(5 * time.Second)
}

func errorMessage(buf []byte) string {
	var resp struct {
		Error string `json:"error"`
		Msg   string `json:"msg"`
	}
	if json.Unmarshal(buf, &resp) == nil {
		if resp.Msg != "" {
			return resp.Msg
		} else if resp.Error != "" {
			return resp.Error
		}
	}
	s := strings.TrimSpace(string(buf))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

type apiOffer struct {
	ID          int64   `json:"id"`
	MachineID   int64   `json:"machine_id"`
	HostID      int64   `json:"host_id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	GPURAM      float64 `json:"gpu_ram"`
	CPURAM      float64 `json:"cpu_ram"`
	DiskSpace   float64 `json:"disk_space"`
	DPHTotal    float64 `json:"dph_total"`
	Reliability float64 `json:"reliability2"`
}

func (o apiOffer) offer() market.Offer {
	return market.Offer{
		ID:           market.OfferID(strconv.FormatInt(o.ID, 10)),
		MachineID:    strconv.FormatInt(o.MachineID, 10),
		HostID:       strconv.FormatInt(o.HostID, 10),
		GPUName:      o.GPUName,
		NumGPUs:      o.NumGPUs,
		GPURAMMB:     int(o.GPURAM),
		CPURAMMB:     int(o.CPURAM),
		DiskGB:       o.DiskSpace,
		PricePerHour: o.DPHTotal,
		Reliability:  o.Reliability,
	}
}

func (vm *vastMarket) SearchOffers(ctx context.Context, f market.OfferFilter) ([]market.Offer, error) {
	q := map[string]interface{}{
		"rentable": map[string]interface{}{"eq": true},
		"rented":   map[string]interface{}{"eq": false},
		"order":    [][]string{{"dph_total", "asc"}},
		"type":     "on-demand",
	}
	if f.MinGPURAMMB > 0 {
		q["gpu_ram"] = map[string]interface{}{"gte": f.MinGPURAMMB}
	}
	if f.MinRAMMB > 0 {
		q["cpu_ram"] = map[string]interface{}{"gte": f.MinRAMMB}
	}
	if f.MinGPUs > 0 {
		q["num_gpus"] = map[string]interface{}{"gte": f.MinGPUs}
	}
	if f.GPUName != "" {
		q["gpu_name"] = map[string]interface{}{"eq": f.GPUName}
	}
	if f.MinDiskGB > 0 {
		q["disk_space"] = map[string]interface{}{"gte": f.MinDiskGB}
	}
	if f.MaxPricePerHour > 0 {
		q["dph_total"] = map[string]interface{}{"lte": f.MaxPricePerHour}
	}
	if f.MachineID != "" {
		q["machine_id"] = map[string]interface{}{"eq": f.MachineID}
	}
	if f.Limit > 0 {
		q["limit"] = f.Limit
	}
	qbuf, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Offers []apiOffer `json:"offers"`
	}
	err = vm.call(ctx, "GET", "/bundles/", url.Values{"q": {string(qbuf)}}, nil, &resp)
	if err != nil {
		return nil, err
	}
	var offers []market.Offer
	for _, ao := range resp.Offers {
		o := ao.offer()
		// The server-side query is advisory; enforce the
		// filter here too.
		if !f.Match(o) {
			continue
		}
		offers = append(offers, o)
		if f.Limit > 0 && len(offers) >= f.Limit {
			break
		}
	}
	return offers, nil
}

func (vm *vastMarket) CreateNode(ctx context.Context, spec market.NodeSpec) (market.NodeID, error) {
	req := map[string]interface{}{
		"client_id": "me",
		"image":     spec.Image,
		"disk":      spec.DiskGB,
		"onstart":   spec.StartupScript,
		"label":     spec.Label,
		"runtype":   "ssh",
	}
	if spec.VolumeID != "" {
		req["volume_info"] = map[string]interface{}{
			"volume_id":  string(spec.VolumeID),
			"mount_path": "/workspace",
		}
	}
	var resp struct {
		Success     bool   `json:"success"`
		NewContract int64  `json:"new_contract"`
		Msg         string `json:"msg"`
	}
	err := vm.call(withoutRetry(ctx), "PUT", "/asks/"+url.PathEscape(string(spec.OfferID))+"/", nil, req, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.NewContract == 0 {
		return "", fmt.Errorf("create node from offer %s failed: %s", spec.OfferID, resp.Msg)
	}
	return market.NodeID(strconv.FormatInt(resp.NewContract, 10)), nil
}

type apiInstance struct {
	ID           int64  `json:"id"`
	MachineID    int64  `json:"machine_id"`
	Label        string `json:"label"`
	ActualStatus string `json:"actual_status"`
	SSHHost      string `json:"ssh_host"`
	SSHPort      int    `json:"ssh_port"`
}

func (inst apiInstance) status() market.NodeStatus {
	st := market.NodeStatus{
		ID:        market.NodeID(strconv.FormatInt(inst.ID, 10)),
		MachineID: strconv.FormatInt(inst.MachineID, 10),
		Label:     inst.Label,
		LiveState: liveState(inst.ActualStatus),
	}
	if inst.SSHHost != "" && inst.SSHPort > 0 {
		st.Endpoint = net.JoinHostPort(inst.SSHHost, strconv.Itoa(inst.SSHPort))
	}
	return st
}

func liveState(s string) market.LiveState {
	switch s {
	case "loading", "created", "scheduling":
		return market.LiveStateLoading
	case "running":
		return market.LiveStateRunning
	case "stopped", "inactive":
		return market.LiveStateStopped
	case "exited", "offline":
		return market.LiveStateExited
	case "failed", "error":
		return market.LiveStateFailed
	default:
		return market.LiveStateUnknown
	}
}

func (vm *vastMarket) GetNode(ctx context.Context, id market.NodeID) (market.NodeStatus, error) {
	var resp struct {
		Instances *apiInstance `json:"instances"`
	}
	err := vm.call(ctx, "GET", "/instances/"+url.PathEscape(string(id))+"/", nil, nil, &resp)
	if err != nil {
		return market.NodeStatus{}, err
	}
	if resp.Instances == nil {
		return market.NodeStatus{}, fmt.Errorf("node %s: %w", id, market.ErrNotFound)
	}
	return resp.Instances.status(), nil
}

func (vm *vastMarket) setState(ctx context.Context, id market.NodeID, state string) error {
	return vm.call(ctx, "PUT", "/instances/"+url.PathEscape(string(id))+"/", nil, map[string]string{"state": state}, nil)
}

func (vm *vastMarket) StartNode(ctx context.Context, id market.NodeID) error {
	return vm.setState(ctx, id, "running")
}

func (vm *vastMarket) StopNode(ctx context.Context, id market.NodeID) error {
	return vm.setState(ctx, id, "stopped")
}

func (vm *vastMarket) DeleteNode(ctx context.Context, id market.NodeID) error {
	return vm.call(ctx, "DELETE", "/instances/"+url.PathEscape(string(id))+"/", nil, nil, nil)
}

type apiVolume struct {
	ID         int64   `json:"id"`
	MachineID  int64   `json:"machine_id"`
	Size       float64 `json:"disk_space"`
	Status     string  `json:"status"`
	InstanceID int64   `json:"instance_id"`
}

func (v apiVolume) volume() market.Volume {
	vol := market.Volume{
		ID:        market.VolumeID(strconv.FormatInt(v.ID, 10)),
		MachineID: strconv.FormatInt(v.MachineID, 10),
		SizeGB:    v.Size,
		State:     market.VolumeState(v.Status),
	}
	if v.InstanceID != 0 {
		vol.AttachedNode = market.NodeID(strconv.FormatInt(v.InstanceID, 10))
	}
	return vol
}

func (vm *vastMarket) CreateVolume(ctx context.Context, spec market.VolumeSpec) (market.Volume, error) {
	req := map[string]interface{}{
		"size":       spec.SizeGB,
		"id":         string(spec.OfferID),
		"machine_id": spec.MachineID,
		"name":       spec.Label,
	}
	var resp struct {
		Success bool      `json:"success"`
		Volume  apiVolume `json:"volume"`
		Msg     string    `json:"msg"`
	}
	err := vm.call(withoutRetry(ctx), "PUT", "/volumes/", nil, req, &resp)
	if err != nil {
		return market.Volume{}, err
	}
	if !resp.Success {
		return market.Volume{}, fmt.Errorf("create volume on machine %s failed: %s", spec.MachineID, resp.Msg)
	}
	return resp.Volume.volume(), nil
}

func (vm *vastMarket) DeleteVolume(ctx context.Context, id market.VolumeID) error {
	return vm.call(ctx, "DELETE", "/volumes/"+url.PathEscape(string(id))+"/", nil, nil, nil)
}

func (vm *vastMarket) ListVolumes(ctx context.Context, machineID string) ([]market.Volume, error) {
	var resp struct {
		Volumes []apiVolume `json:"volumes"`
	}
	err := vm.call(ctx, "GET", "/volumes/", url.Values{"machine_id": {machineID}}, nil, &resp)
	if err != nil {
		return nil, err
	}
	var vols []market.Volume
	for _, v := range resp.Volumes {
		vol := v.volume()
		if machineID != "" && vol.MachineID != machineID {
			continue
		}
		vols = append(vols, vol)
	}
	return vols, nil
}

// leveledLogger adapts a logrus.FieldLogger to
// retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	logger := l.logger
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			logger = logger.WithField(k, kv[i+1])
		}
	}
	return logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Warn(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Info(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
