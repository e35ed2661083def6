// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package warmpool

import (
	"context"
	"fmt"
	"sort"

	"git.arvados.org/spotrelay.git/lib/market"
)

// A Host is a physical marketplace machine with enough rentable
// offers to hold a primary and a standby node.
type Host struct {
	MachineID   string
	Offers      []market.Offer
	Reliability float64
	MinPrice    float64
}

func (h Host) score() float64 {
	price := h.MinPrice
	if price < 0.01 {
		price = 0.01
	}
	return h.Reliability / price
}

// searchLimit bounds the number of offers considered when looking
// for a host.
const searchLimit = 256

// FindSuitableHost returns the best machine offering at least
// MinOffersPerHost offers that match gpuName and maxPrice. Machines
// are ranked by mean reliability per dollar, and offers within a
// machine by price. It returns (nil, nil) if no machine qualifies.
func (m *Manager) FindSuitableHost(ctx context.Context, gpuName string, maxPrice float64) (*Host, error) {
	return findSuitableHost(ctx, m.market, m.cfg.MinOffersPerHost, gpuName, maxPrice)
}

func findSuitableHost(ctx context.Context, mkt market.Market, minOffers int, gpuName string, maxPrice float64) (*Host, error) {
	if minOffers < 2 {
		minOffers = 2
	}
	offers, err := mkt.SearchOffers(ctx, market.OfferFilter{
		GPUName:         gpuName,
		MaxPricePerHour: maxPrice,
		Limit:           searchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("search offers: %w", err)
	}
	byMachine := map[string]*Host{}
	var hosts []*Host
	for _, o := range offers {
		if o.MachineID == "" {
			continue
		}
		h := byMachine[o.MachineID]
		if h == nil {
			h = &Host{MachineID: o.MachineID}
			byMachine[o.MachineID] = h
			hosts = append(hosts, h)
		}
		h.Offers = append(h.Offers, o)
	}
	var eligible []*Host
	for _, h := range hosts {
		if len(h.Offers) < minOffers {
			continue
		}
		sort.SliceStable(h.Offers, func(i, j int) bool { return h.Offers[i].PricePerHour < h.Offers[j].PricePerHour })
		h.MinPrice = h.Offers[0].PricePerHour
		for _, o := range h.Offers {
			h.Reliability += o.Reliability
		}
		h.Reliability /= float64(len(h.Offers))
		eligible = append(eligible, h)
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].score() > eligible[j].score() })
	return eligible[0], nil
}
