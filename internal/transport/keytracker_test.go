package transport

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *KeyTracker {
	return NewKeyTracker(log.New("test", "kt"), DefaultConfig())
}

type fakeCallbacks struct {
	acked        bool
	rtt          time.Duration
	disconnected bool
}

func (f *fakeCallbacks) OnAcked(rtt time.Duration) { f.acked = true; f.rtt = rtt }
func (f *fakeCallbacks) OnDisconnected()           { f.disconnected = true }

func TestAllocateOutgoingSeqnoIsMonotonic(t *testing.T) {
	kt := newTestTracker()
	var prev uint32
	for i := 0; i < 5; i++ {
		seqno, err := kt.AllocateOutgoingSeqno()
		require.NoError(t, err)
		if i > 0 {
			require.Equal(t, prev+1, seqno)
		}
		prev = seqno
	}
}

func TestOnAckedRemovesFromSentAndFiresCallback(t *testing.T) {
	kt := newTestTracker()
	seqno, err := kt.AllocateOutgoingSeqno()
	require.NoError(t, err)
	cb := &fakeCallbacks{}
	kt.OnSent(seqno, []byte("payload"), []SentCallbacks{cb}, 0)

	kt.OnAcked(seqno)
	require.True(t, cb.acked)

	// An ack for a seqno that is not in the sent map must be a no-op and
	// must not fire the callbacks of any other entry.
	cb2 := &fakeCallbacks{}
	kt.sent[seqno] = &sentPacket{callbacks: []SentCallbacks{cb2}}
	kt.OnAcked(seqno + 1000) // unrelated seqno: shouldn't touch seqno's entry
	require.False(t, cb2.acked)
}

func TestReceivedBitmapIdempotentOnDuplicate(t *testing.T) {
	kt := newTestTracker()
	kt.OnReceivedPacket(10)
	require.True(t, kt.bitAt(10))
	acks1 := kt.GrabAcks()
	require.Contains(t, acks1InUint32(acks1), uint32(10))

	// Receiving it again must not create a second ack entry beyond the
	// ordinary "re-ack" path, and must not regress highestIncoming.
	kt.OnReceivedPacket(10)
	require.True(t, kt.bitAt(10))
	require.Equal(t, uint32(10), kt.highestIncoming)
}

func acks1InUint32(s []uint32) []uint32 { return s }

func TestGapOpensResendRequests(t *testing.T) {
	kt := newTestTracker()
	kt.OnReceivedPacket(0)
	kt.GrabAcks()
	kt.OnReceivedPacket(3)
	// gaps at 1 and 2 should be queued as resend-requests, immediately
	// active.
	reqs := kt.GrabResendRequests()
	require.ElementsMatch(t, []uint32{1, 2}, reqs)
}

func TestOnAckRequestForKnownSeqnoReplysAck(t *testing.T) {
	kt := newTestTracker()
	kt.OnReceivedPacket(5)
	kt.GrabAcks() // drain the automatic ack from receipt
	kt.OnAckRequest(5)
	acks := kt.GrabAcks()
	require.Contains(t, acks, uint32(5))
}

func TestOnAckRequestForUnknownSeqnoRequestsResend(t *testing.T) {
	kt := newTestTracker()
	kt.OnAckRequest(99)
	reqs := kt.GrabResendRequests()
	require.Contains(t, reqs, uint32(99))
}

func TestCompletelyDeprecatedRequeuesOnSuccessor(t *testing.T) {
	kt := newTestTracker()
	succ := newTestTracker()
	seqno, err := kt.AllocateOutgoingSeqno()
	require.NoError(t, err)
	cb := &fakeCallbacks{}
	kt.OnSent(seqno, []byte("hello"), []SentCallbacks{cb}, 0)

	kt.CompletelyDeprecated(succ)

	// successor should now have exactly one in-flight payload
	require.Len(t, succ.sent, 1)
	_, err = kt.AllocateOutgoingSeqno()
	require.ErrorIs(t, err, ErrKeyChanged)
}

func TestDisconnectedFiresCallbacksForUnacked(t *testing.T) {
	kt := newTestTracker()
	seqno, err := kt.AllocateOutgoingSeqno()
	require.NoError(t, err)
	cb := &fakeCallbacks{}
	kt.OnSent(seqno, []byte("x"), []SentCallbacks{cb}, 0)

	kt.Disconnected()
	require.True(t, cb.disconnected)

	_, err = kt.AllocateOutgoingSeqno()
	require.ErrorIs(t, err, ErrNotConnected)
}
