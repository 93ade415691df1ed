package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeExecutionID computes a deterministic execution_id using SHA256.
// Formula: SHA256(vault_id|trigger_time_ms|outcome)
// Returns hex-encoded hash (64 characters).
func ComputeExecutionID(
	vaultID uint64,
	triggerTime int64,
	outcome string,
) string {
	data := fmt.Sprintf("%d|%d|%s",
		vaultID,
		triggerTime,
		outcome,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
