package flags

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// maxHashValue is 2^60 - 1, the denominator of the stable hash ratio.
const maxHashValue = float64((1 << 60) - 1)

// rolloutSalt and variantSalt select which of the two independent
// hash spaces (rollout membership vs. variant bucket) a given hash
// call draws from.
const (
	rolloutSalt = ""
	variantSalt = "variant"
)

// stableHash computes the deterministic [0, 1] ratio used for both
// rollout membership and variant selection. It is the wire-compatible
// contract shared with every other PostHog client: SHA1(key + "." +
// identifier + "." + salt), first 15 hex chars as a 60-bit integer,
// divided by 2^60-1.
func stableHash(flagKey, identifier, salt string) float64 {
	h := sha1.New()
	fmt.Fprintf(h, "%s.%s.%s", flagKey, identifier, salt)
	digest := hex.EncodeToString(h.Sum(nil))

	hashPart := digest[:15]
	var n uint64
	fmt.Sscanf(hashPart, "%x", &n)

	return float64(n) / maxHashValue
}

// rolloutHash returns the identifier's position in the rollout hash
// space for this flag; the caller compares it with the rollout
// percentage.
func rolloutHash(flagKey, identifier string) float64 {
	return stableHash(flagKey, identifier, rolloutSalt)
}

// variantHash returns the identifier's position in the variant
// selection space for this flag.
func variantHash(flagKey, identifier string) float64 {
	return stableHash(flagKey, identifier, variantSalt)
}

// selectVariant walks variants in declared order, accumulating
// percentages, and returns the key of the first whose cumulative
// range contains r. Returns "" if none match (e.g. percentages don't
// sum to 100 and r falls past the end).
func selectVariant(variants []Variant, r float64) string {
	cumulative := 0.0
	for _, v := range variants {
		cumulative += v.RolloutPercentage / 100
		if r < cumulative {
			return v.Key
		}
	}
	return ""
}
