package models

import (
	"strconv"
	"strings"
)

// SanitizeKeySegment escapes delimiter characters in rate limit key segments
// to prevent key collision attacks where user-controlled identifiers containing
// ':' could manipulate adjacent rate limit buckets.
//
// Example: An identifier "user:admin" would become "user_admin", preventing
// it from being interpreted as a separate key segment.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// CounterKey is ratelimit:{algorithm}:{scope}:{identity}.
func CounterKey(alg Algorithm, scope string, identity ClientIdentity) string {
	return "ratelimit:" + string(alg) + ":" + SanitizeKeySegment(scope) + ":" + identity.Key()
}

// FixedBucketKey appends the window bucket to the counter key.
func FixedBucketKey(scope string, identity ClientIdentity, bucket int64) string {
	return CounterKey(AlgorithmFixed, scope, identity) + ":" + strconv.FormatInt(bucket, 10)
}

// BlockKey is block:{scope}:{identity}.
func BlockKey(scope string, identity ClientIdentity) string {
	return "block:" + SanitizeKeySegment(scope) + ":" + identity.Key()
}

// ViolationKey is violations:{identity}.
func ViolationKey(identity ClientIdentity) string {
	return "violations:" + identity.Key()
}
