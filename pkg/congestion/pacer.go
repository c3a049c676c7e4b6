// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package congestion

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer spaces out sends according to a Controller's PacingRate.
type Pacer struct {
	mutex sync.Mutex

	controller Controller
	limiter    *rate.Limiter
	rate       float64
}

// pacerBurst is the amount of bytes which might be sent back-to-back.
const pacerBurst = 4 * segmentSize

// NewPacer for a Controller. The Pacer is unlimited as long as the Controller reports no pacing rate.
func NewPacer(controller Controller) *Pacer {
	return &Pacer{
		controller: controller,
		limiter:    rate.NewLimiter(rate.Inf, pacerBurst),
	}
}

// sync adjusts the limiter to the current pacing rate.
func (p *Pacer) sync() *rate.Limiter {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	r := p.controller.PacingRate()
	if r == p.rate {
		return p.limiter
	}
	p.rate = r

	if r <= 0 || math.IsInf(r, 1) {
		p.limiter.SetLimit(rate.Inf)
	} else {
		p.limiter.SetLimit(rate.Limit(r))
	}
	return p.limiter
}

// Rate is the currently applied pacing rate in bytes per second; zero means unpaced.
func (p *Pacer) Rate() float64 {
	p.sync()

	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.rate
}

// Wait blocks until a packet of the given size might be sent or the context is done.
func (p *Pacer) Wait(ctx context.Context, bytes int) error {
	limiter := p.sync()
	if limiter.Limit() == rate.Inf {
		return nil
	}

	// Oversized packets are charged with the whole burst; rate.Limiter would reject them otherwise.
	return limiter.WaitN(ctx, min(bytes, pacerBurst))
}
