package ledger

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/uint256"
)

// Leg distinguishes the two postings of one forwarded packet (spec.md
// §4.5: "XOR the low byte with 0x01 for the incoming leg and 0x02 for the
// outgoing leg").
const (
	LegIncoming byte = 0x01
	LegOutgoing byte = 0x02
)

// DeriveTransferID computes the 128-bit accounting transfer id for one leg
// of a forwarded packet: (high64(executionCondition) XOR hash64(nodeId))
// << 64 | low64(executionCondition), then XOR the low byte with leg.
//
// high64/low64 take the first and last 8 bytes of the 32-byte condition;
// the condition's middle 16 bytes do not participate in the id
// (collisions remain vanishingly rare for realistic per-connector traffic,
// per spec.md §9).
func DeriveTransferID(executionCondition [32]byte, nodeID string, leg byte) TransferID {
	high64 := binary.BigEndian.Uint64(executionCondition[0:8])
	low64 := binary.BigEndian.Uint64(executionCondition[24:32])
	nodeHash := xxhash.Sum64String(nodeID)

	var id uint256.Int
	id.SetUint64(high64 ^ nodeHash)
	id.Lsh(&id, 64)

	var lowPart uint256.Int
	lowPart.SetUint64(low64)
	id.Or(&id, &lowPart)

	full := id.Bytes32()
	var out TransferID
	copy(out[:], full[16:32])
	out[15] ^= leg
	return out
}
