// Package nodestats implements C7: the admission-control contract consumed
// by the MessageDispatcher (spec.md §4.7), plus a concrete implementation
// driven by token-bucket bandwidth signals and a bounded unclaimed-queue
// counter.
package nodestats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Reason explains a preemptive rejection.
type Reason string

const (
	ReasonBandwidth   Reason = "bandwidth-delay"
	ReasonQueueFull   Reason = "unclaimed-fifo-full"
	ReasonPeerBackoff Reason = "peer-backoff"
)

// NodeStats is the C7 contract: accept or reject a request before it's ever
// handed to a RequestSender/InsertSender.
type NodeStats interface {
	ShouldRejectRequest(isInsert, isSSK bool) (Reason, bool)
	RecordAccepted(isInsert, isSSK bool)
	AveragePingMillis() float64
}

// Admission is the default NodeStats: a global token bucket approximating
// bandwidth-limit delay (as op-node/p2p/sync.go's P2PReqRespServer rate
// limits inbound sync requests), a bounded unclaimed-FIFO counter, and a
// running average ping.
type Admission struct {
	mu sync.Mutex

	chkLimiter *rate.Limiter
	sskLimiter *rate.Limiter

	queueSize    int
	maxQueueSize int

	avgPingMillis float64

	chkSinceLastAccept int // spec.md §4.7: must accept >=1 CHK per "while"

	acceptedTotal prometheus.Counter
	rejectedTotal *prometheus.CounterVec
}

func NewAdmission(chkPerSec, sskPerSec rate.Limit, maxQueueSize int, reg prometheus.Registerer) *Admission {
	a := &Admission{
		chkLimiter:   rate.NewLimiter(chkPerSec, int(chkPerSec)+1),
		sskLimiter:   rate.NewLimiter(sskPerSec, int(sskPerSec)+1),
		maxQueueSize: maxQueueSize,
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fred",
			Subsystem: "nodestats",
			Name:      "accepted_total",
		}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fred",
			Subsystem: "nodestats",
			Name:      "rejected_total",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(a.acceptedTotal, a.rejectedTotal)
	}
	return a
}

// ShouldRejectRequest returns None (ok=false) to accept. A CHK request is
// force-accepted if none has been accepted in the current bandwidth-delay
// "while", so bandwidth-delay measurements keep flowing per spec.md §4.7.
func (a *Admission) ShouldRejectRequest(isInsert, isSSK bool) (Reason, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.queueSize >= a.maxQueueSize {
		a.rejectedTotal.WithLabelValues(string(ReasonQueueFull)).Inc()
		return ReasonQueueFull, true
	}

	if !isSSK && a.chkSinceLastAccept == 0 {
		// force through at least one CHK request to keep measurements live
		return "", false
	}

	limiter := a.chkLimiter
	if isSSK {
		limiter = a.sskLimiter
	}
	if !limiter.Allow() {
		a.rejectedTotal.WithLabelValues(string(ReasonBandwidth)).Inc()
		return ReasonBandwidth, true
	}
	return "", false
}

func (a *Admission) RecordAccepted(isInsert, isSSK bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queueSize++
	if !isSSK {
		a.chkSinceLastAccept++
	}
	a.acceptedTotal.Inc()
}

// RecordCompleted releases the admission slot a RecordAccepted took.
func (a *Admission) RecordCompleted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.queueSize > 0 {
		a.queueSize--
	}
}

func (a *Admission) ReportPing(rtt time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ms := float64(rtt.Milliseconds())
	if a.avgPingMillis == 0 {
		a.avgPingMillis = ms
		return
	}
	const alpha = 0.2
	a.avgPingMillis = alpha*ms + (1-alpha)*a.avgPingMillis
}

func (a *Admission) AveragePingMillis() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.avgPingMillis
}

// ResetWindow clears the "at least one CHK accepted" counter, starting a new
// bandwidth-delay "while". Admission never calls it itself and internal/node
// does not call it, so a CHK is forced through again only after an explicit
// ResetWindow call.
func (a *Admission) ResetWindow() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chkSinceLastAccept = 0
}
