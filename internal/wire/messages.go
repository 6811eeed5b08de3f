// Package wire defines the message families carried between peers, per
// spec.md §6. Tag numbering is illustrative but stable across a protocol
// version, matching the teacher's convention of a protocol.ID string per
// message family (op-node/p2p/sync.go's PayloadByNumberProtocolID).
package wire

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/007pig/fred-sub003/internal/keys"
)

// ProtocolVersion namespaces every protocol.ID below; bump it on any
// wire-incompatible change.
const ProtocolVersion = "0.1.0"

func protoID(name string) protocol.ID {
	return protocol.ID(fmt.Sprintf("/fred/%s/%s", name, ProtocolVersion))
}

var (
	ProtoCHKDataRequest = protoID("chk-data-request")
	ProtoSSKDataRequest = protoID("ssk-data-request")
	ProtoInsertRequest  = protoID("insert-request")
	ProtoGetOfferedKey  = protoID("get-offered-key")
	ProtoOpennetNoderef = protoID("opennet-noderef")
)

// UID is the 64-bit random per-request identifier, carried unchanged through
// every hop (spec.md §3).
type UID uint64

// CHKDataRequest is the first message of a CHK fetch.
type CHKDataRequest struct {
	UID UID
	HTL uint8
	Key keys.Key
}

// SSKDataRequest is the first message of an SSK fetch.
type SSKDataRequest struct {
	UID        UID
	HTL        uint8
	Key        keys.Key
	NeedPubKey bool
}

// InsertRequest begins an insert towards a comparable set of nodes
// (SPEC_FULL.md supplement #2). Headers/Payload ride along inline rather
// than as a separate transfer phase, a simplification of the real
// Freenet insert protocol (which streams the block after acceptance, mirroring
// the fetch path) that this repo's scope does not need.
type InsertRequest struct {
	UID     UID
	HTL     uint8
	Key     keys.Key
	Headers []byte
	Payload []byte
}

type Accepted struct{ UID UID }

type RejectedLoop struct{ UID UID }

type RejectedOverload struct {
	UID     UID
	IsLocal bool
}

type RouteNotFound struct {
	UID    UID
	NewHTL uint8
}

type DataNotFound struct{ UID UID }

type RecentlyFailed struct {
	UID         UID
	TimeLeftMS  uint32
}

// CHKDataFound carries the full recovered block inline, a simplification of
// the real Freenet transfer protocol (which streams the payload separately
// over the session's reliable-delivery layer once the header announces it)
// that mirrors InsertRequest's own inline Headers/Payload choice above.
type CHKDataFound struct {
	UID     UID
	Headers []byte
	Payload []byte
}

type SSKDataFound struct {
	UID     UID
	Headers []byte
	Data    []byte
}

type SSKPubKey struct {
	UID       UID
	PubKeyRaw []byte
}

// InsertReply signals that a downstream peer accepted (and, ultimately,
// stored) an inserted block.
type InsertReply struct {
	UID UID
}

// GetOfferedKey requests the data a peer previously offered out-of-band
// (spec.md §4.4/§4.6 Phase A).
type GetOfferedKey struct {
	UID           UID
	Key           keys.Key
	Authenticator []byte
	NeedPubKey    bool
}

type GetOfferedKeyInvalid struct {
	UID    UID
	Reason string
}

// OpennetNoderef carries the post-success path-folding exchange (spec.md
// §4.6, opennet path-folding hook).
type OpennetNoderef struct {
	UID     UID
	Noderef []byte
}
