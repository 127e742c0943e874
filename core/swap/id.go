package swap

import (
	"encoding/hex"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// DeriveSwapID computes the content-addressed identity of a paired swap:
// keccak256 over the two canonical escrow ids and the digest. The result is
// stable regardless of which side was observed first.
func DeriveSwapID(aEscrowID, bEscrowID string, digest [32]byte) string {
	var buf []byte
	buf = append(buf, []byte(NormalizeID(aEscrowID))...)
	buf = append(buf, []byte(NormalizeID(bEscrowID))...)
	buf = append(buf, digest[:]...)
	return hex.EncodeToString(gethcrypto.Keccak256(buf))
}

// ProvisionalSwapID names a swap that only has one side yet. Keeping the
// digest and the observed escrow in the key makes the id deterministic for
// replayed creation events while staying unique per escrow.
func ProvisionalSwapID(ledger Ledger, escrowID string, digest [32]byte) string {
	var buf []byte
	buf = append(buf, []byte(ledger)...)
	buf = append(buf, []byte(NormalizeID(escrowID))...)
	buf = append(buf, digest[:]...)
	return hex.EncodeToString(gethcrypto.Keccak256(buf))
}
