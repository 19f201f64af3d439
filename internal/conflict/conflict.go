// Package conflict elects a deterministic primary between two concurrently
// diverged records and names the sidecar that preserves the loser.
package conflict

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/synche-io/synche/internal/identity"
	"github.com/synche-io/synche/internal/store"
	"github.com/synche-io/synche/internal/vclock"
)

const sidecarInfix = ".sync-conflict-"

// Origin returns the peer that authored a record's latest change: the
// non-zero vector entry with the highest counter, ties broken by the
// lexicographically larger peer id.
func Origin(v vclock.Clock) string {
	peer, _ := v.Dominant()
	return peer
}

// Resolve elects the primary of two concurrently diverged records for the
// same key. The record whose origin peer is lexicographically smaller wins;
// equal origins (the equal-vector hash-drift guard) fall back to the smaller
// content hash. Every peer running this on the same inputs elects the same
// primary.
func Resolve(a, b *store.EntryRecord) (primary, sidecar *store.EntryRecord) {
	ao, bo := Origin(a.Version), Origin(b.Version)
	if ao != bo {
		if ao < bo {
			return a, b
		}
		return b, a
	}
	if a.Hash <= b.Hash {
		return a, b
	}
	return b, a
}

// SidecarPath derives the path preserving a conflict loser, in the same
// parent directory as the contested path:
//
//	<path>.sync-conflict-<first8_of_origin_peer>-<vv_digest8>
//
// The name depends only on the loser's origin peer and version vector, so
// all peers materialize the identical path.
func SidecarPath(rel string, loser *store.EntryRecord) string {
	return rel + sidecarInfix + identity.Short(Origin(loser.Version)) + "-" + versionDigest(loser.Version)
}

// SidecarRecord builds the independent entry preserving the loser. It keeps
// the loser's own unmerged vector, so the sidecar syncs as a fresh entry the
// user may delete or rename.
func SidecarRecord(loser *store.EntryRecord) *store.EntryRecord {
	rec := loser.Clone()
	rec.Path = SidecarPath(loser.Path, loser)
	return rec
}

// versionDigest is the first 8 hex chars of the SHA-256 of the vector's
// canonical encoding.
func versionDigest(v vclock.Clock) string {
	sum := sha256.Sum256([]byte(v.String()))
	return hex.EncodeToString(sum[:4])
}
