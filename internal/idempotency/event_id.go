package idempotency

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const eventIDPrefixV1 = "harmonize-event-v1"

// EventIDV1 computes the canonical id of a chain log.
//
//	eventId = keccak256("harmonize-event-v1" || chainIdBE64 || txHash || logIndexBE64)
//
// It keys processed-event records, ledger feed messages and quarantine archive objects.
func EventIDV1(chainID uint64, txHash common.Hash, logIndex uint) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(eventIDPrefixV1))

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], chainID)
	_, _ = h.Write(u64[:])
	_, _ = h.Write(txHash[:])
	binary.BigEndian.PutUint64(u64[:], uint64(logIndex))
	_, _ = h.Write(u64[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
