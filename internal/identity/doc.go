// Package identity clusters a stream of face encodings into identities
// without an offline training pass.
//
// # Two tiers
//
// Every encoding first lands in the tentative tier: small groups of vectors
// that matched each other under the tight tolerance. A tentative cluster that
// reaches the promotion size is averaged into one representative vector and
// offered to the confirmed tier, where matching uses the loose tolerance. If
// no confirmed identity already covers the average, a new identity is created
// under the next key (0, 1, 2, ...). Keys are never reused.
//
// # Decay
//
// The tentative tier is wiped every DecayEvery processed encodings regardless
// of how full the clusters are. This bounds memory held by faces that are
// never seen often enough to be promoted, at the cost of occasionally dropping
// a nearly complete cluster.
//
// # Concurrency
//
// Process runs one full step (match, merge, promote, decay, lookup) under a
// single lock, so merges and promotions caused by one encoding never
// interleave with the match pass of another.
package identity
