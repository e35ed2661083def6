// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package provision acquires one reachable node by racing several
// speculative node creations against each other.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/probe"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Resources are the minimum node resources requested.
type Resources struct {
	MinGPURAMMB int
	MinRAMMB    int
	MinGPUs     int
	GPUName     string
	MinDiskGB   float64
}

// RoundConfig controls the shape and time budget of a race. Zero
// fields inherit the provisioner's defaults.
type RoundConfig struct {
	BatchSize       int
	MaxRounds       int
	TimeoutPerRound time.Duration
	CheckInterval   time.Duration
	ProbeTimeout    time.Duration
	CreateStagger   time.Duration
	CreateAttempts  int
	// Offers requested per round, as a multiple of BatchSize.
	OfferOverfetch int
	// Candidates created per round, as a multiple of BatchSize.
	CreateOverfetch int
	// Upper bound on waiting for losing candidates to be deleted
	// at the end of a round.
	CleanupTimeout time.Duration
}

var defaultRoundConfig = RoundConfig{
	BatchSize:       3,
	MaxRounds:       3,
	TimeoutPerRound: 2 * time.Minute,
	CheckInterval:   2 * time.Second,
	ProbeTimeout:    10 * time.Second,
	CreateStagger:   250 * time.Millisecond,
	CreateAttempts:  3,
	OfferOverfetch:  4,
	CreateOverfetch: 3,
	CleanupTimeout:  30 * time.Second,
}

// RoundConfigFromCluster converts the cluster's provisioning config.
func RoundConfigFromCluster(pc spotrelay.ProvisionConfig) RoundConfig {
	return RoundConfig{
		BatchSize:       pc.BatchSize,
		MaxRounds:       pc.MaxRounds,
		TimeoutPerRound: pc.TimeoutPerRound.Duration(),
		CheckInterval:   pc.CheckInterval.Duration(),
		ProbeTimeout:    pc.ProbeTimeout.Duration(),
		CreateStagger:   pc.CreateStagger.Duration(),
		CreateAttempts:  pc.CreateAttempts,
		OfferOverfetch:  pc.OfferOverfetch,
		CreateOverfetch: pc.CreateOverfetch,
		CleanupTimeout:  pc.CleanupTimeout.Duration(),
	}
}

type Request struct {
	Resources     Resources
	MaxPrice      float64
	Image         string
	DiskGB        float64
	StartupScript string
	// Prefix for candidate node labels.
	Label string
	Round RoundConfig
}

// Outcome is the result of a provisioning race.
type Outcome struct {
	Success         bool               `json:"success"`
	NodeID          market.NodeID      `json:"node_id,omitempty"`
	Endpoint        string             `json:"endpoint,omitempty"`
	Name            string             `json:"name,omitempty"`
	OfferID         market.OfferID     `json:"offer_id,omitempty"`
	RoundsAttempted int                `json:"rounds_attempted"`
	CandidatesTried int                `json:"candidates_tried"`
	Elapsed         spotrelay.Duration `json:"elapsed"`
	TimeToReady     spotrelay.Duration `json:"time_to_ready,omitempty"`
	Error           string             `json:"error,omitempty"`
}

var errNoOffers = errors.New("no offers available")

// A Provisioner runs provisioning races against a market.
type Provisioner struct {
	market   market.Market
	prober   probe.Prober
	logger   logrus.FieldLogger
	defaults RoundConfig
	metrics  *metrics

	searchThrottle throttle
}

// New returns a Provisioner. Zero fields in defaults fall back to
// built-in defaults. Metrics are registered on reg, if not nil.
func New(mkt market.Market, prober probe.Prober, defaults RoundConfig, logger logrus.FieldLogger, reg *prometheus.Registry) *Provisioner {
	return &Provisioner{
		market:   mkt,
		prober:   prober,
		logger:   logger,
		defaults: defaults,
		metrics:  newMetrics(reg),
	}
}

func (p *Provisioner) roundConfig(override RoundConfig) (RoundConfig, error) {
	cfg := override
	if err := mergo.Merge(&cfg, p.defaults); err != nil {
		return cfg, err
	}
	if err := mergo.Merge(&cfg, defaultRoundConfig); err != nil {
		return cfg, err
	}
	if cfg.CreateAttempts < 1 {
		cfg.CreateAttempts = 1
	}
	return cfg, nil
}

// Provision creates candidate nodes round by round until one of them
// becomes reachable, or MaxRounds rounds have failed. All other
// candidates are deleted before Provision returns.
func (p *Provisioner) Provision(ctx context.Context, req Request) Outcome {
	t0 := time.Now()
	cfg, err := p.roundConfig(req.Round)
	if err != nil {
		return Outcome{Error: fmt.Sprintf("invalid round config: %s", err)}
	}
	if req.Label == "" {
		req.Label = "spotrelay"
	}
	logger := p.logger.WithFields(logrus.Fields{
		"Label":     req.Label,
		"MaxPrice":  req.MaxPrice,
		"MaxRounds": cfg.MaxRounds,
		"BatchSize": cfg.BatchSize,
	})
	var out Outcome
	var errs []string
	tried := map[market.OfferID]bool{}
	for round := 1; round <= cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err.Error())
			break
		}
		out.RoundsAttempted = round
		winner, n, err := p.runRound(ctx, req, cfg, round, tried, logger.WithField("Round", round))
		out.CandidatesTried += n
		if winner != nil {
			out.Success = true
			out.NodeID = winner.NodeID
			out.Endpoint = winner.Endpoint
			out.Name = winner.Name
			out.OfferID = winner.OfferID
			out.TimeToReady = spotrelay.Duration(winner.EndpointReady.Sub(winner.ProvisionStart))
			out.Elapsed = spotrelay.Duration(time.Since(t0))
			p.metrics.races.WithLabelValues("won").Inc()
			p.metrics.timeToReady.Observe(out.TimeToReady.Duration().Seconds())
			logger.WithFields(logrus.Fields{
				"NodeID":      out.NodeID,
				"Endpoint":    out.Endpoint,
				"Rounds":      out.RoundsAttempted,
				"Candidates":  out.CandidatesTried,
				"TimeToReady": out.TimeToReady,
			}).Info("provisioning race won")
			return out
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("round %d: %s", round, err))
		}
	}
	out.Elapsed = spotrelay.Duration(time.Since(t0))
	out.Error = fmt.Sprintf("no node became reachable after %d round(s), %d candidate(s) tried", out.RoundsAttempted, out.CandidatesTried)
	if len(errs) > 0 {
		out.Error += ": " + strings.Join(errs, "; ")
	}
	p.metrics.races.WithLabelValues("lost").Inc()
	logger.WithField("Elapsed", out.Elapsed).Warn(out.Error)
	return out
}

// race holds the candidates of one round.
type race struct {
	mtx        sync.Mutex
	candidates []*Candidate
	winner     *Candidate
	won        chan struct{}
}

// claim makes c the winner if there is no winner yet.
func (r *race) claim(c *Candidate) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.winner != nil || c.State == StateFailed {
		return false
	}
	r.winner = c
	c.State = StateReady
	c.Connected = true
	c.EndpointReady = time.Now()
	close(r.won)
	return true
}

func (r *race) setFailed(c *Candidate) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	c.State = StateFailed
}

// runRound runs one round and returns the winner (if any), the number
// of candidates tried, and the reason there was no winner.
func (p *Provisioner) runRound(ctx context.Context, req Request, cfg RoundConfig, round int, tried map[market.OfferID]bool, logger logrus.FieldLogger) (*Candidate, int, error) {
	p.metrics.rounds.Inc()
	roundCtx, cancel := context.WithTimeout(ctx, cfg.TimeoutPerRound)
	defer cancel()

	offers, err := p.search(roundCtx, req, cfg, tried, logger)
	if err != nil {
		logger.WithError(err).Warn("offer search failed")
		return nil, 0, err
	} else if len(offers) == 0 {
		logger.Info("no offers available, skipping round")
		return nil, 0, errNoOffers
	}
	if max := cfg.CreateOverfetch * cfg.BatchSize; len(offers) > max {
		offers = offers[:max]
	}
	logger.WithField("Offers", len(offers)).Info("starting race round")

	r := &race{won: make(chan struct{})}
	createCtx, cancelCreate := context.WithCancel(roundCtx)
	defer cancelCreate()
	var creates sync.WaitGroup
	for i, offer := range offers {
		tried[offer.ID] = true
		cand := &Candidate{
			OfferID: offer.ID,
			Name:    fmt.Sprintf("%s-r%d-c%d", req.Label, round, i),
			State:   StateProvisioning,
		}
		r.candidates = append(r.candidates, cand)
		creates.Add(1)
		go func(delay time.Duration, cand *Candidate) {
			defer creates.Done()
			p.create(createCtx, r, cand, req, cfg, delay, logger)
		}(time.Duration(i)*cfg.CreateStagger, cand)
	}
	createsDone := make(chan struct{})
	go func() {
		creates.Wait()
		close(createsDone)
	}()

	var probes sync.WaitGroup
	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()
poll:
	for {
		select {
		case <-r.won:
			break poll
		case <-roundCtx.Done():
			break poll
		case <-ticker.C:
			live := p.check(roundCtx, r, cfg, &probes, logger)
			select {
			case <-createsDone:
				if live == 0 {
					break poll
				}
			default:
			}
		}
	}
	cancelCreate()
	<-createsDone
	cancel()
	probes.Wait()

	r.mtx.Lock()
	winner := r.winner
	r.mtx.Unlock()
	p.cleanup(r, winner, cfg, logger)
	if winner != nil {
		return winner, len(offers), nil
	}
	return nil, len(offers), fmt.Errorf("none of %d candidates became reachable", len(offers))
}

func (p *Provisioner) search(ctx context.Context, req Request, cfg RoundConfig, tried map[market.OfferID]bool, logger logrus.FieldLogger) ([]market.Offer, error) {
	want := cfg.OfferOverfetch * cfg.BatchSize
	filter := market.OfferFilter{
		MinGPURAMMB:     req.Resources.MinGPURAMMB,
		MinRAMMB:        req.Resources.MinRAMMB,
		MinGPUs:         req.Resources.MinGPUs,
		GPUName:         req.Resources.GPUName,
		MinDiskGB:       req.Resources.MinDiskGB,
		MaxPricePerHour: req.MaxPrice,
		Limit:           want + len(tried),
	}
	for {
		if err := p.searchThrottle.Wait(ctx); err != nil {
			return nil, err
		}
		offers, err := p.market.SearchOffers(ctx, filter)
		if _, ok := err.(market.RateLimitError); ok {
			p.searchThrottle.CheckRateLimitError(err, logger, "SearchOffers")
			if p.searchThrottle.Error() == nil {
				select {
				case <-time.After(cfg.CheckInterval):
				case <-ctx.Done():
					return nil, err
				}
			}
			continue
		} else if err != nil {
			return nil, err
		}
		var fresh []market.Offer
		for _, o := range offers {
			if tried[o.ID] {
				continue
			}
			fresh = append(fresh, o)
			if len(fresh) >= want {
				break
			}
		}
		return fresh, nil
	}
}

func isRateLimitError(err error) bool {
	_, ok := err.(market.RateLimitError)
	return ok
}

// createRetryDelay backs off exponentially, but never retries before
// the marketplace's requested holdoff expires.
func createRetryDelay(n uint, err error, config *retry.Config) time.Duration {
	d := retry.BackOffDelay(n, err, config)
	if rle, ok := err.(market.RateLimitError); ok {
		if wait := time.Until(rle.EarliestRetry()); wait > d {
			d = wait
		}
	}
	return d
}

func (p *Provisioner) create(ctx context.Context, r *race, cand *Candidate, req Request, cfg RoundConfig, delay time.Duration, logger logrus.FieldLogger) {
	logger = logger.WithFields(logrus.Fields{"OfferID": cand.OfferID, "Name": cand.Name})
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			r.setFailed(cand)
			return
		}
	}
	r.mtx.Lock()
	cand.ProvisionStart = time.Now()
	r.mtx.Unlock()
	spec := market.NodeSpec{
		OfferID:       cand.OfferID,
		Image:         req.Image,
		DiskGB:        req.DiskGB,
		StartupScript: req.StartupScript,
		Label:         cand.Name,
	}
	var id market.NodeID
	err := retry.Do(func() error {
		var err error
		id, err = p.market.CreateNode(ctx, spec)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(uint(cfg.CreateAttempts)),
		retry.RetryIf(isRateLimitError),
		retry.DelayType(createRetryDelay),
		retry.MaxDelay(cfg.TimeoutPerRound/4),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.WithError(err).WithField("Attempt", n+1).Debug("rate limited, retrying CreateNode")
		}),
	)
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if err != nil {
		cand.State = StateFailed
		p.metrics.candidates.WithLabelValues("create_failed").Inc()
		logger.WithError(err).Info("CreateNode failed")
		return
	}
	cand.NodeID = id
	cand.State = StateWaitingForEndpoint
	p.metrics.candidates.WithLabelValues("created").Inc()
	logger.WithField("NodeID", id).Debug("candidate created")
}

// check starts a status check and probe for each candidate that is
// waiting for its endpoint and isn't already being checked. It
// returns the number of candidates that have not failed.
func (p *Provisioner) check(ctx context.Context, r *race, cfg RoundConfig, probes *sync.WaitGroup, logger logrus.FieldLogger) int {
	var todo []*Candidate
	live := 0
	r.mtx.Lock()
	for _, c := range r.candidates {
		if c.State == StateFailed {
			continue
		}
		live++
		if c.State == StateWaitingForEndpoint && !c.probing {
			c.probing = true
			todo = append(todo, c)
		}
	}
	r.mtx.Unlock()
	for _, c := range todo {
		probes.Add(1)
		go func(c *Candidate) {
			defer probes.Done()
			p.checkCandidate(ctx, r, c, cfg, logger.WithFields(logrus.Fields{"NodeID": c.NodeID, "OfferID": c.OfferID}))
		}(c)
	}
	return live
}

func (p *Provisioner) checkCandidate(ctx context.Context, r *race, c *Candidate, cfg RoundConfig, logger logrus.FieldLogger) {
	defer func() {
		r.mtx.Lock()
		c.probing = false
		r.mtx.Unlock()
	}()
	st, err := p.market.GetNode(ctx, c.NodeID)
	if errors.Is(err, market.ErrNotFound) || (err == nil && st.LiveState.Dead()) {
		r.setFailed(c)
		p.metrics.candidates.WithLabelValues("died").Inc()
		logger.WithField("LiveState", st.LiveState).Info("candidate node is gone or dead")
		return
	} else if err != nil {
		logger.WithError(err).Debug("GetNode failed")
		return
	} else if st.Endpoint == "" {
		return
	}
	r.mtx.Lock()
	c.Endpoint = st.Endpoint
	r.mtx.Unlock()
	if err := probe.CheckErr(ctx, p.prober, st.Endpoint, cfg.ProbeTimeout); err != nil {
		logger.WithError(err).Debug("probe failed")
		return
	}
	if r.claim(c) {
		p.metrics.candidates.WithLabelValues("won").Inc()
		logger.WithField("Endpoint", st.Endpoint).Info("candidate is reachable")
	}
}

// cleanup deletes every created candidate except the winner, and
// waits (up to CleanupTimeout) for the deletions to finish. Errors
// are logged.
func (p *Provisioner) cleanup(r *race, winner *Candidate, cfg RoundConfig, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.CleanupTimeout)
	defer cancel()
	var wg sync.WaitGroup
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, c := range r.candidates {
		if c == winner || c.NodeID == "" {
			continue
		}
		c.State = StateFailed
		wg.Add(1)
		go func(id market.NodeID) {
			defer wg.Done()
			err := p.market.DeleteNode(ctx, id)
			if err != nil && !errors.Is(err, market.ErrNotFound) {
				logger.WithError(err).WithField("NodeID", id).Warn("failed to delete losing candidate")
				return
			}
			p.metrics.candidates.WithLabelValues("deleted").Inc()
		}(c.NodeID)
	}
	wg.Wait()
}
