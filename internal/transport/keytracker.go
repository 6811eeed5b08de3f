// Package transport implements KeyTracker (spec.md C2): a per-session
// reliable-delivery layer on top of an unreliable datagram link, with
// sequence numbers, ack/resend/ack-request queues, an out-of-order receive
// bitmap, and retransmit policy tied to measured RTT.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Timing constants from spec.md §4.2 (all tunable via Config).
const (
	DefaultAckUrgencyDelay        = 200 * time.Millisecond
	DefaultMaxCoalescingDelay     = 100 * time.Millisecond
	DefaultResendBackoff          = 500 * time.Millisecond
	MinAckRequestDelay            = 250 * time.Millisecond
	MaxAckRequestDelay            = 2500 * time.Millisecond
	DefaultFatalTimeoutMultiplier = 5

	receivedWindowSize = 512
	sentWindowSize     = 128
)

var (
	ErrNotConnected = errors.New("transport: peer not connected")
	ErrKeyChanged   = errors.New("transport: key tracker deprecated")
	ErrWouldBlock   = errors.New("transport: allocation would block")
)

// SentCallbacks receives completion notices for one outgoing payload.
type SentCallbacks interface {
	OnAcked(rtt time.Duration)
	OnDisconnected()
}

type sentPacket struct {
	payload   []byte
	sendTime  time.Time
	readdTime time.Time // last (re)transmit time
	callbacks []SentCallbacks
	priority  int
}

// ResendItem is one payload due for retransmission, returned by
// GrabResendPayloads.
type ResendItem struct {
	Seqno   uint32
	Payload []byte
}

// Config bundles the tunables KeyTracker needs from spec.md §6.
type Config struct {
	AckUrgencyDelay    time.Duration
	MaxCoalescingDelay time.Duration
	ResendBackoff      time.Duration
}

func DefaultConfig() Config {
	return Config{
		AckUrgencyDelay:    DefaultAckUrgencyDelay,
		MaxCoalescingDelay: DefaultMaxCoalescingDelay,
		ResendBackoff:      DefaultResendBackoff,
	}
}

// KeyTracker is the per-direction reliable-transport state for one peer
// session. The mutex below is the "intrinsic mutex" spec.md §4.2 requires
// callers hold across AllocateOutgoingSeqno and OnSent.
type KeyTracker struct {
	mu  sync.Mutex
	cv  *sync.Cond
	log log.Logger

	cfg Config

	// OnRTTMeasured, if set, is invoked (outside the lock) with every newly
	// measured RTT sample, so the owning PeerNode can update its running
	// ping average without this package importing the peer package.
	OnRTTMeasured func(time.Duration)

	nextOutSeqno uint32
	deprecated   bool
	successor    *KeyTracker
	disconnectedFlag bool

	sent map[uint32]*sentPacket

	highestIncoming uint32
	haveHighest     bool
	recvBase        uint32
	recvBitmap      [receivedWindowSize]bool

	ackQueue        *urgentQueue
	resendReqQueue  *urgentQueue
	ackReqQueue     *urgentQueue
	forgotten       map[uint32]bool

	avgRTT time.Duration
}

func NewKeyTracker(logger log.Logger, cfg Config) *KeyTracker {
	kt := &KeyTracker{
		log:            logger,
		cfg:            cfg,
		sent:           make(map[uint32]*sentPacket),
		ackQueue:       newUrgentQueue(),
		resendReqQueue: newUrgentQueue(),
		ackReqQueue:    newUrgentQueue(),
		forgotten:      make(map[uint32]bool),
		avgRTT:         500 * time.Millisecond,
	}
	kt.cv = sync.NewCond(&kt.mu)
	return kt
}

// ackRequestDelay clamps 2*RTT into [MinAckRequestDelay, MaxAckRequestDelay].
func (kt *KeyTracker) ackRequestDelay() time.Duration {
	d := 2 * kt.avgRTT
	if d < MinAckRequestDelay {
		return MinAckRequestDelay
	}
	if d > MaxAckRequestDelay {
		return MaxAckRequestDelay
	}
	return d
}

// AllocateOutgoingSeqno blocks until a seqno is available (the sent-packets
// window has room) or the tracker becomes unusable.
func (kt *KeyTracker) AllocateOutgoingSeqno() (uint32, error) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	for {
		if kt.deprecated {
			return 0, ErrKeyChanged
		}
		if kt.disconnectedFlag {
			return 0, ErrNotConnected
		}
		if len(kt.sent) < sentWindowSize {
			seqno := kt.nextOutSeqno
			kt.nextOutSeqno++
			return seqno, nil
		}
		kt.cv.Wait()
	}
}

// TryAllocateOutgoingSeqno is the non-blocking variant.
func (kt *KeyTracker) TryAllocateOutgoingSeqno() (uint32, error) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	if kt.deprecated {
		return 0, ErrKeyChanged
	}
	if kt.disconnectedFlag {
		return 0, ErrNotConnected
	}
	if len(kt.sent) >= sentWindowSize {
		return 0, ErrWouldBlock
	}
	seqno := kt.nextOutSeqno
	kt.nextOutSeqno++
	return seqno, nil
}

// OnSent records that payload was just transmitted under seqno, and
// schedules the ack-request that becomes active after 2*RTT.
func (kt *KeyTracker) OnSent(seqno uint32, payload []byte, callbacks []SentCallbacks, priority int) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	now := time.Now()
	kt.sent[seqno] = &sentPacket{
		payload:   payload,
		sendTime:  now,
		readdTime: now,
		callbacks: callbacks,
		priority:  priority,
	}
	activeAt := now.Add(kt.ackRequestDelay())
	kt.ackReqQueue.Upsert(seqno, activeAt.UnixMilli(), activeAt.UnixMilli())
}

// slideAndIndex maps an absolute seqno into the sliding receive-bitmap, sliding
// the window forward (and dropping entries that fall off the back) if
// needed.
func (kt *KeyTracker) slideAndIndex(seqno uint32) (int, bool) {
	if !kt.haveHighest {
		kt.haveHighest = true
		kt.highestIncoming = seqno
		kt.recvBase = seqno
		kt.recvBitmap[0] = false
		return 0, true
	}
	if seqno > kt.highestIncoming {
		advance := int(seqno - kt.highestIncoming)
		if advance >= receivedWindowSize {
			kt.recvBitmap = [receivedWindowSize]bool{}
			kt.recvBase = seqno
		} else {
			// rebuild the bitmap against the new window base
			newBitmap := [receivedWindowSize]bool{}
			for i := 0; i < receivedWindowSize; i++ {
				oldSeqno := kt.recvBase + uint32(i)
				newIdx := int(int32(oldSeqno-seqno)) + receivedWindowSize - 1
				if newIdx >= 0 && newIdx < receivedWindowSize && kt.bitAt(oldSeqno) {
					newBitmap[newIdx] = true
				}
			}
			kt.recvBitmap = newBitmap
			kt.recvBase = seqno - (receivedWindowSize - 1)
		}
		kt.highestIncoming = seqno
	}
	offset := int(seqno - kt.recvBase)
	if offset < 0 || offset >= receivedWindowSize {
		return 0, false
	}
	return offset, true
}

// IsDuplicate reports whether seqno has already been recorded as received,
// without itself updating any state; callers still need to follow up with
// OnReceivedPacket to keep the ack/resend-request queues current.
func (kt *KeyTracker) IsDuplicate(seqno uint32) bool {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return kt.bitAt(seqno)
}

func (kt *KeyTracker) bitAt(seqno uint32) bool {
	offset := int(seqno - kt.recvBase)
	if offset < 0 || offset >= receivedWindowSize {
		return false
	}
	return kt.recvBitmap[offset]
}

// OnReceivedPacket updates the received-bitmap, enqueues an ack, and
// enqueues a resend-request for every gap opened between the previous
// highest-seen seqno and this one. Idempotent: re-delivering a seqno never
// advances state further.
func (kt *KeyTracker) OnReceivedPacket(seqno uint32) {
	kt.mu.Lock()
	defer kt.mu.Unlock()

	prevHighest := kt.highestIncoming
	hadHighest := kt.haveHighest
	isNewHighest := !hadHighest || seqno > prevHighest

	idx, ok := kt.slideAndIndex(seqno)
	if ok {
		kt.recvBitmap[idx] = true
	}

	now := time.Now()
	ackAt := now.Add(kt.cfg.AckUrgencyDelay)
	kt.ackQueue.Upsert(seqno, now.UnixMilli(), ackAt.UnixMilli())

	if isNewHighest && hadHighest {
		for gap := prevHighest + 1; gap != seqno; gap++ {
			urgentAt := now.Add(kt.cfg.MaxCoalescingDelay)
			kt.resendReqQueue.Upsert(gap, now.UnixMilli(), urgentAt.UnixMilli())
		}
	}
}

// OnAcked removes seqno from the sent-packets map, cancels its ack-request,
// reports the measured RTT, and runs completion callbacks.
func (kt *KeyTracker) OnAcked(seqno uint32) {
	kt.OnAckedMany([]uint32{seqno})
}

func (kt *KeyTracker) OnAckedMany(seqnos []uint32) {
	kt.mu.Lock()
	var rtts []time.Duration
	var cbs [][]SentCallbacks
	now := time.Now()
	for _, seqno := range seqnos {
		sp, ok := kt.sent[seqno]
		if !ok {
			continue
		}
		delete(kt.sent, seqno)
		kt.ackReqQueue.Remove(seqno)
		rtt := now.Sub(sp.sendTime)
		rtts = append(rtts, rtt)
		cbs = append(cbs, sp.callbacks)
		const alpha = 0.25
		if kt.avgRTT == 0 {
			kt.avgRTT = rtt
		} else {
			kt.avgRTT = time.Duration(alpha*float64(rtt) + (1-alpha)*float64(kt.avgRTT))
		}
	}
	if len(kt.sent) < sentWindowSize {
		kt.cv.Broadcast()
	}
	onRTT := kt.OnRTTMeasured
	kt.mu.Unlock()

	for i, rtt := range rtts {
		if onRTT != nil {
			onRTT(rtt)
		}
		for _, cb := range cbs[i] {
			cb.OnAcked(rtt)
		}
	}
}

// OnResendRequest schedules the named payload for prompt resend; an unknown
// (window-evicted) seqno is recorded as forgotten so the peer can be told
// to stop waiting on it.
func (kt *KeyTracker) OnResendRequest(seqno uint32) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	sp, ok := kt.sent[seqno]
	if !ok {
		kt.forgotten[seqno] = true
		return
	}
	sp.readdTime = time.Time{} // force-eligible on next GrabResendPayloads
}

// OnAckRequest replies with an ack if the seqno is already marked received
// locally, or else requests a resend of it.
func (kt *KeyTracker) OnAckRequest(seqno uint32) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	if kt.bitAt(seqno) {
		now := time.Now().UnixMilli()
		kt.ackQueue.Upsert(seqno, now, now)
		return
	}
	now := time.Now()
	kt.resendReqQueue.Upsert(seqno, now.UnixMilli(), now.UnixMilli())
}

func (kt *KeyTracker) GrabAcks() []uint32 {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return kt.ackQueue.Grab(time.Now().UnixMilli())
}

func (kt *KeyTracker) GrabResendRequests() []uint32 {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return kt.resendReqQueue.Grab(time.Now().UnixMilli())
}

func (kt *KeyTracker) GrabAckRequests() []uint32 {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return kt.ackReqQueue.Grab(time.Now().UnixMilli())
}

func (kt *KeyTracker) GrabForgotten() []uint32 {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	out := make([]uint32, 0, len(kt.forgotten))
	for s := range kt.forgotten {
		out = append(out, s)
	}
	kt.forgotten = make(map[uint32]bool)
	return out
}

// GrabResendPayloads returns every sent payload whose last (re)transmit was
// at least 2*RTT ago, and marks them as retransmitted now.
func (kt *KeyTracker) GrabResendPayloads() []ResendItem {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	threshold := 2 * kt.avgRTT
	now := time.Now()
	var out []ResendItem
	for seqno, sp := range kt.sent {
		if now.Sub(sp.readdTime) >= threshold {
			sp.readdTime = now
			out = append(out, ResendItem{Seqno: seqno, Payload: sp.payload})
		}
	}
	return out
}

// NextUrgentTime returns the minimum urgent-time (unix millis) across the
// ack, resend-request and ack-request queues, for the packet scheduler to
// sleep until.
func (kt *KeyTracker) NextUrgentTime() int64 {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	min := kt.ackQueue.NextUrgentAt()
	if v := kt.resendReqQueue.NextUrgentAt(); v < min {
		min = v
	}
	if v := kt.ackReqQueue.NextUrgentAt(); v < min {
		min = v
	}
	return min
}

// Deprecate stops allocation of new seqnos and wakes blocked allocators.
func (kt *KeyTracker) Deprecate() {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	kt.deprecated = true
	kt.cv.Broadcast()
}

// CompletelyDeprecated moves every outstanding unacked payload onto
// successor as a fresh send, preserving callback continuity, then marks this
// tracker fully retired.
func (kt *KeyTracker) CompletelyDeprecated(successor *KeyTracker) {
	kt.mu.Lock()
	kt.deprecated = true
	kt.successor = successor
	pending := kt.sent
	kt.sent = make(map[uint32]*sentPacket)
	kt.cv.Broadcast()
	kt.mu.Unlock()

	if successor == nil {
		for _, sp := range pending {
			for _, cb := range sp.callbacks {
				cb.OnDisconnected()
			}
		}
		return
	}
	for _, sp := range pending {
		newSeqno, err := successor.AllocateOutgoingSeqno()
		if err != nil {
			for _, cb := range sp.callbacks {
				cb.OnDisconnected()
			}
			continue
		}
		successor.OnSent(newSeqno, sp.payload, sp.callbacks, sp.priority)
	}
}

// Disconnected clears all state and notifies every pending callback.
func (kt *KeyTracker) Disconnected() {
	kt.mu.Lock()
	kt.disconnectedFlag = true
	pending := kt.sent
	kt.sent = make(map[uint32]*sentPacket)
	kt.cv.Broadcast()
	kt.mu.Unlock()

	for _, sp := range pending {
		for _, cb := range sp.callbacks {
			cb.OnDisconnected()
		}
	}
}

func (kt *KeyTracker) AverageRTT() time.Duration {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return kt.avgRTT
}
