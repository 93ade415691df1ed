package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeRebalanceSwapID computes a deterministic swap_id using SHA256.
// Formula: SHA256(run_id|fund_id|seq|offer_denom|target_denom)
// Returns hex-encoded hash (64 characters).
func ComputeRebalanceSwapID(
	runID string,
	fundID uint64,
	seq int,
	offerDenom string,
	targetDenom string,
) string {
	data := fmt.Sprintf("%s|%d|%d|%s|%s",
		runID,
		fundID,
		seq,
		offerDenom,
		targetDenom,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
