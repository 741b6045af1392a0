package discovery

import (
	"fmt"
	"sort"

	"relay-compass/internal/digest"
)

// DefaultTopN is how many relays a lookup returns when the caller does
// not say otherwise.
const DefaultTopN = 8

// SelectOptions bound one Closest call. The Hasher must be the one that
// produced the candidate digests; it defaults to digest.Sum like the
// discoverer does.
type SelectOptions struct {
	N      int
	Hasher digest.Hasher
}

// Closest hashes the target and returns the candidate URLs nearest to
// it by XOR distance, nearest first, at most min(n, len(candidates)).
// Equal distances fall back to ascending URL order, so the output is a
// pure function of the target and candidate set. Candidates are never
// mutated; calling twice with the same inputs yields the same slice.
func Closest(target string, res Result, opts SelectOptions) ([]string, error) {
	if opts.N < 0 {
		return nil, fmt.Errorf("n must not be negative, got %d", opts.N)
	}
	n := opts.N
	if n == 0 {
		n = DefaultTopN
	}
	hash := opts.Hasher
	if hash == nil {
		hash = digest.Sum
	}

	targetDigest := hash(target)

	type rankedCandidate struct {
		url      string
		distance digest.Digest
	}
	ranked := make([]rankedCandidate, 0, len(res.Records))
	for _, rec := range res.Records {
		ranked = append(ranked, rankedCandidate{
			url:      rec.URL,
			distance: digest.Distance(targetDigest, rec.Digest),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if c := ranked[i].distance.Cmp(ranked[j].distance); c != 0 {
			return c < 0
		}
		return ranked[i].url < ranked[j].url
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	urls := make([]string, n)
	for i := 0; i < n; i++ {
		urls[i] = ranked[i].url
	}
	return urls, nil
}
