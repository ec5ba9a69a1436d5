package pebblejobs

import (
	"encoding/binary"

	"github.com/ZenMilan/inst-jobs/pkg/id"
)

// Key prefixes for job store data structures
const (
	prefixJob     = "jq/job/"
	prefixReady   = "jq/ready/"
	prefixLock    = "jq/lock/"
	prefixLockIdx = "jq/lock_idx/"
)

// jobKey returns the job record key.
// Format: jq/job/{id}
func jobKey(jobID id.ID) []byte {
	key := make([]byte, len(prefixJob)+16)
	copy(key, prefixJob)
	copy(key[len(prefixJob):], jobID[:])
	return key
}

// readyKey returns the availability index key.
// Format: jq/ready/{queue}/{prio4}{run_at_ms8}{id16}
// Lower priority values sort (and dequeue) first.
func readyKey(queue string, priority int, runAtMs int64, jobID id.ID) []byte {
	prefix := prefixReady + queue + "/"
	key := make([]byte, len(prefix)+4+8+16)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], encodePriority(priority))
	binary.BigEndian.PutUint64(key[len(prefix)+4:], uint64(runAtMs))
	copy(key[len(prefix)+4+8:], jobID[:])
	return key
}

// readyBounds returns the [lower, upper) scan range for a queue restricted to
// an inclusive priority band. A bound <= 0 means unbounded on that side.
func readyBounds(queue string, minPriority, maxPriority int) ([]byte, []byte) {
	prefix := prefixReady + queue + "/"
	lower := make([]byte, len(prefix)+4)
	copy(lower, prefix)
	if minPriority > 0 {
		binary.BigEndian.PutUint32(lower[len(prefix):], encodePriority(minPriority))
	}

	upper := make([]byte, len(prefix)+4)
	copy(upper, prefix)
	if maxPriority <= 0 {
		binary.BigEndian.PutUint32(upper[len(prefix):], ^uint32(0))
	} else {
		binary.BigEndian.PutUint32(upper[len(prefix):], encodePriority(maxPriority)+1)
	}
	return lower, upper
}

// parseReadyKey extracts priority, run_at and job ID from a ready index key.
func parseReadyKey(key []byte, queue string) (priority int, runAtMs int64, jobID id.ID, ok bool) {
	prefix := prefixReady + queue + "/"
	if len(key) != len(prefix)+4+8+16 {
		return 0, 0, id.ID{}, false
	}
	priority = decodePriority(binary.BigEndian.Uint32(key[len(prefix):]))
	runAtMs = int64(binary.BigEndian.Uint64(key[len(prefix)+4:]))
	copy(jobID[:], key[len(prefix)+4+8:])
	return priority, runAtMs, jobID, true
}

// lockKey returns the lock record key.
// Format: jq/lock/{id}
func lockKey(jobID id.ID) []byte {
	key := make([]byte, len(prefixLock)+16)
	copy(key, prefixLock)
	copy(key[len(prefixLock):], jobID[:])
	return key
}

// lockIdxKey returns the lock age index key.
// Format: jq/lock_idx/{locked_at_ms8}{id16}
func lockIdxKey(lockedAtMs int64, jobID id.ID) []byte {
	key := make([]byte, len(prefixLockIdx)+8+16)
	copy(key, prefixLockIdx)
	binary.BigEndian.PutUint64(key[len(prefixLockIdx):], uint64(lockedAtMs))
	copy(key[len(prefixLockIdx)+8:], jobID[:])
	return key
}

// parseLockIdxKey extracts locked_at and job ID from a lock index key.
func parseLockIdxKey(key []byte) (lockedAtMs int64, jobID id.ID, ok bool) {
	if len(key) != len(prefixLockIdx)+8+16 {
		return 0, id.ID{}, false
	}
	lockedAtMs = int64(binary.BigEndian.Uint64(key[len(prefixLockIdx):]))
	copy(jobID[:], key[len(prefixLockIdx)+8:])
	return lockedAtMs, jobID, true
}

// encodePriority flips the sign bit so negative priorities sort before
// positive ones under byte-wise comparison.
func encodePriority(p int) uint32 { return uint32(int32(p)) ^ 0x8000_0000 }

func decodePriority(u uint32) int { return int(int32(u ^ 0x8000_0000)) }

// keyUpperBound returns the exclusive upper bound for scanning a prefix.
func keyUpperBound(prefix string) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return end
}
