package paxos

import (
	"encoding/json"

	"github.com/toniq-labs/lockd/pkg/rpc"
	"github.com/toniq-labs/lockd/pkg/wire"
)

// RegisterHandlers binds this peer's prepare/accept/decide acceptor
// procedures onto an rpc.Server, decoding the JSON-encoded args pkg/rpc
// carries as an opaque byte blob.
func (px *Paxos) RegisterHandlers(s *rpc.Server) {
	s.Register(wire.ProcPaxosPrepare, func(from string, d *wire.Decoder, e *wire.Encoder) int32 {
		var args prepareArgs
		if !decodeJSONArgs(d, &args) {
			return int32(wire.UnmarshalArgsFailure)
		}
		var reply prepareReply
		px.HandlePrepare(args, &reply)
		encodeJSONReply(e, reply)
		return 0
	})
	s.Register(wire.ProcPaxosAccept, func(from string, d *wire.Decoder, e *wire.Encoder) int32 {
		var args acceptArgs
		if !decodeJSONArgs(d, &args) {
			return int32(wire.UnmarshalArgsFailure)
		}
		var reply acceptReply
		px.HandleAccept(args, &reply)
		encodeJSONReply(e, reply)
		return 0
	})
	s.Register(wire.ProcPaxosDecide, func(from string, d *wire.Decoder, e *wire.Encoder) int32 {
		var args decideArgs
		if !decodeJSONArgs(d, &args) {
			return int32(wire.UnmarshalArgsFailure)
		}
		px.HandleDecide(args)
		return 0
	})
}

func decodeJSONArgs(d *wire.Decoder, v interface{}) bool {
	buf, err := d.Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(buf, v) == nil
}

func encodeJSONReply(e *wire.Encoder, v interface{}) {
	buf, _ := json.Marshal(v)
	e.PutBytes(buf)
}
