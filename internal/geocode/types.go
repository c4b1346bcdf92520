// Package geocode defines the contract between the pipeline and the external
// address lookup service.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoMatch reports that the lookup service returned zero candidates for an
// address. This is a definitive answer, not a fault: it is never retried.
var ErrNoMatch = errors.New("no match for address")

// Result is the authoritative resolution for one address: the coordinates of
// the highest-ranked candidate the service returned. It is the payload
// stored in the result cache, so the JSON shape must stay stable.
type Result struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// Matched is the service's canonical form of the address.
	Matched string `json:"matched"`
	Postal  string `json:"postal,omitempty"`

	// Score is the service's ranking score for the winning candidate, when
	// the service reports one. Zero means unreported.
	Score float64 `json:"score,omitempty"`
}

// Geocoder resolves a single free-text address.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Result, error)
}

// GeocodeFunc adapts a function to the Geocoder interface.
type GeocodeFunc func(ctx context.Context, address string) (Result, error)

func (f GeocodeFunc) Geocode(ctx context.Context, address string) (Result, error) {
	return f(ctx, address)
}

// EncodeResult serializes a result for cache storage.
func EncodeResult(r Result) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode geocode result: %w", err)
	}
	return b, nil
}

// DecodeResult deserializes a cached payload.
func DecodeResult(payload []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return Result{}, fmt.Errorf("decode geocode result: %w", err)
	}
	return r, nil
}
