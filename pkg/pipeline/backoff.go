package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Backoff computes the delay before retrying a job after its attempt'th
// attempt (1-based) failed: exponential growth from the policy base,
// capped, plus deterministic jitter. The jitter is derived from the job
// identity, so concurrent retries spread out while a replay of the same
// job produces the identical schedule.
func Backoff(policy RetryPolicy, jobID, step string, attempt int) time.Duration {
	policy = policy.withDefaults()

	factor := time.Duration(1)
	if attempt > 1 {
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		factor = time.Duration(int64(1) << shift)
	}

	delay := policy.MaxBackoff
	if d := policy.BaseBackoff * factor; d > 0 && d < policy.MaxBackoff {
		delay = d
	}
	return delay + jitter(policy.MaxJitter, jobID, step, attempt)
}

// jitter maps the job identity onto a stable offset in [0, max).
func jitter(max time.Duration, jobID, step string, attempt int) time.Duration {
	if max <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", jobID, step, attempt)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(max))
}
