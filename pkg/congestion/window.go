// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package congestion

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// lossWindow is a loss-based window model with slow start and a multiplicative decrease, used for RENO and CUBIC.
type lossWindow struct {
	mutex sync.Mutex

	algorithm Algorithm
	conf      Config

	// beta is the multiplicative decrease factor on loss.
	beta float64

	cwnd     int
	ssthresh int
	inFlight int
}

func newLossWindow(algorithm Algorithm, conf Config, beta float64) *lossWindow {
	return &lossWindow{
		algorithm: algorithm,
		conf:      conf,
		beta:      beta,
		cwnd:      conf.InitialWindow,
		ssthresh:  conf.MaxWindow,
	}
}

func (lw *lossWindow) Algorithm() Algorithm { return lw.algorithm }

func (lw *lossWindow) Window() int {
	lw.mutex.Lock()
	defer lw.mutex.Unlock()
	return lw.cwnd
}

func (lw *lossWindow) InFlight() int {
	lw.mutex.Lock()
	defer lw.mutex.Unlock()
	return lw.inFlight
}

func (lw *lossWindow) CanSend(bytes int) bool {
	lw.mutex.Lock()
	defer lw.mutex.Unlock()

	// A single packet larger than the window must not stall the connection forever.
	return lw.inFlight == 0 || lw.inFlight+bytes <= lw.cwnd
}

func (lw *lossWindow) OnSent(bytes int) {
	lw.mutex.Lock()
	defer lw.mutex.Unlock()
	lw.inFlight += bytes
}

func (lw *lossWindow) OnAck(bytes int, _ time.Duration) {
	lw.mutex.Lock()
	defer lw.mutex.Unlock()

	lw.inFlight = max(lw.inFlight-bytes, 0)

	if lw.cwnd < lw.ssthresh {
		// Slow start
		lw.cwnd += bytes
	} else {
		// Congestion avoidance; CUBIC recovers faster than RENO after its smaller reduction
		growth := segmentSize * bytes / lw.cwnd
		if lw.algorithm == CUBIC {
			growth *= 2
		}
		lw.cwnd += max(growth, 1)
	}
	lw.cwnd = clamp(lw.cwnd, lw.conf.MinWindow, lw.conf.MaxWindow)
}

func (lw *lossWindow) OnLoss(bytes int) {
	lw.mutex.Lock()
	defer lw.mutex.Unlock()

	oldCwnd := lw.cwnd

	lw.inFlight = max(lw.inFlight-bytes, 0)
	lw.ssthresh = clamp(int(float64(lw.cwnd)*lw.beta), lw.conf.MinWindow, lw.conf.MaxWindow)
	lw.cwnd = lw.ssthresh

	log.WithFields(log.Fields{
		"algorithm": lw.algorithm,
		"old cwnd":  oldCwnd,
		"new cwnd":  lw.cwnd,
	}).Debug("Congestion window reduced due to loss")
}

func (lw *lossWindow) PacingRate() float64 { return 0 }

// modelWindow is a bandwidth-delay model, used for BBR and BBR2.
type modelWindow struct {
	mutex sync.Mutex

	algorithm Algorithm
	conf      Config

	// reactToLoss reduces the window on loss, which BBR2 does and BBR does not.
	reactToLoss bool

	now func() time.Time

	cwnd     int
	inFlight int

	minRTT time.Duration
	maxBW  float64

	delivered     int64
	lastDelivered int64
	lastSampleAt  time.Time
}

const (
	cwndGain    = 2.0
	pacingGain  = 1.25
	bwDecay     = 0.95
	bbr2LossCut = 0.85
)

func newModelWindow(algorithm Algorithm, conf Config, reactToLoss bool) *modelWindow {
	return &modelWindow{
		algorithm:   algorithm,
		conf:        conf,
		reactToLoss: reactToLoss,
		now:         time.Now,
		cwnd:        conf.InitialWindow,
	}
}

func (mw *modelWindow) Algorithm() Algorithm { return mw.algorithm }

func (mw *modelWindow) Window() int {
	mw.mutex.Lock()
	defer mw.mutex.Unlock()
	return mw.cwnd
}

func (mw *modelWindow) InFlight() int {
	mw.mutex.Lock()
	defer mw.mutex.Unlock()
	return mw.inFlight
}

func (mw *modelWindow) CanSend(bytes int) bool {
	mw.mutex.Lock()
	defer mw.mutex.Unlock()
	return mw.inFlight == 0 || mw.inFlight+bytes <= mw.cwnd
}

func (mw *modelWindow) OnSent(bytes int) {
	mw.mutex.Lock()
	defer mw.mutex.Unlock()
	mw.inFlight += bytes
}

func (mw *modelWindow) OnAck(bytes int, rtt time.Duration) {
	mw.mutex.Lock()
	defer mw.mutex.Unlock()

	mw.inFlight = max(mw.inFlight-bytes, 0)
	mw.delivered += int64(bytes)

	if rtt <= 0 {
		if mw.maxBW == 0 {
			// Startup without any model: grow like slow start
			mw.cwnd = clamp(mw.cwnd+bytes, mw.conf.MinWindow, mw.conf.MaxWindow)
		}
		return
	}

	if mw.minRTT == 0 || rtt < mw.minRTT {
		mw.minRTT = rtt
	}

	now := mw.now()
	if !mw.lastSampleAt.IsZero() {
		if elapsed := now.Sub(mw.lastSampleAt); elapsed > 0 {
			bw := float64(mw.delivered-mw.lastDelivered) / elapsed.Seconds()
			mw.maxBW = max(bw, mw.maxBW*bwDecay)
		}
	}
	mw.lastSampleAt = now
	mw.lastDelivered = mw.delivered

	if mw.maxBW > 0 {
		bdp := mw.maxBW * mw.minRTT.Seconds()
		mw.cwnd = clamp(int(cwndGain*bdp), mw.conf.MinWindow, mw.conf.MaxWindow)
	}
}

func (mw *modelWindow) OnLoss(bytes int) {
	mw.mutex.Lock()
	defer mw.mutex.Unlock()

	mw.inFlight = max(mw.inFlight-bytes, 0)
	if mw.reactToLoss {
		mw.cwnd = clamp(int(float64(mw.cwnd)*bbr2LossCut), mw.conf.MinWindow, mw.conf.MaxWindow)
	}
}

func (mw *modelWindow) PacingRate() float64 {
	mw.mutex.Lock()
	defer mw.mutex.Unlock()

	if !mw.conf.Pacing {
		return 0
	}

	switch {
	case mw.maxBW > 0:
		// Sparse samples must not throttle below one initial window per round trip
		return max(pacingGain*mw.maxBW, float64(mw.conf.InitialWindow)/mw.minRTT.Seconds())
	case mw.minRTT > 0:
		return float64(mw.cwnd) / mw.minRTT.Seconds()
	default:
		return 0
	}
}
