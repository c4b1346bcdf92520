// Package batch holds the durable bookkeeping around a geocoding run: work
// items keyed by address fingerprint, the result cache, checkpoint snapshots,
// the failure ledger, and progress counters.
package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Status tracks a work item through the fetch lifecycle.
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusResolved
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusResolved:
		return "resolved"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Item is one unit of geocoding work. Exactly one Item exists per distinct
// normalized address; duplicates and formatting variants collapse onto it.
type Item struct {
	// RawAddress is the first-seen raw form of the address, unmodified.
	RawAddress string

	// Fingerprint keys the item in the cache, checkpoints, and the ledger.
	Fingerprint string

	Status   Status
	Attempts int
	LastErr  string
}

// Normalize produces the canonical form of an address: lower-cased with runs
// of whitespace collapsed to single spaces. Two raw strings that differ only
// in casing or spacing normalize identically.
func Normalize(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

// Fingerprint returns the stable hex key for an address, derived from its
// normalized form.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(Normalize(raw)))
	return hex.EncodeToString(sum[:])
}

// BuildItems deduplicates raw addresses into pending work items, one per
// distinct fingerprint. Blank addresses are dropped. Input order is
// preserved for the first occurrence of each fingerprint. An empty input
// yields an empty slice.
func BuildItems(addresses []string) []*Item {
	seen := make(map[string]struct{}, len(addresses))
	items := make([]*Item, 0, len(addresses))
	for _, raw := range addresses {
		if Normalize(raw) == "" {
			continue
		}
		fp := Fingerprint(raw)
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		items = append(items, &Item{
			RawAddress:  raw,
			Fingerprint: fp,
			Status:      StatusPending,
		})
	}
	return items
}

// FilterResolved drops items whose fingerprint is already confirmed resolved,
// so restart cost scales with remaining work rather than total work.
func FilterResolved(items []*Item, resolved map[string]struct{}) []*Item {
	if len(resolved) == 0 {
		return items
	}
	out := make([]*Item, 0, len(items))
	for _, it := range items {
		if _, ok := resolved[it.Fingerprint]; ok {
			continue
		}
		out = append(out, it)
	}
	return out
}
