package geo

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	ErrPermissionDenied    = errors.New("geolocation permission denied")
	ErrPositionUnavailable = errors.New("geolocation unavailable")
	ErrTimeout             = errors.New("geolocation timed out")
)

// Options mirror the platform position API knobs.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
}

// DefaultOptions are the settings used when validating a step.
var DefaultOptions = Options{
	HighAccuracy: true,
	Timeout:      15 * time.Second,
	MaxAge:       time.Minute,
}

// Position is one location reading. Accuracy is the reported radius in meters.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Timestamp time.Time
}

func (p Position) Point() Point {
	return Point{Latitude: p.Latitude, Longitude: p.Longitude}
}

// Provider acquires the current position.
type Provider interface {
	CurrentPosition(ctx context.Context, opts Options) (Position, error)
}

// Browser error codes reported by GeolocationPositionError.
const (
	CodePermissionDenied    = 1
	CodePositionUnavailable = 2
	CodeTimeout             = 3
)

// Reading adapts a position (or failure) reported by the browser shell into
// a Provider. Acquisition already happened on the device; this only applies
// the freshness policy of the requested Options.
type Reading struct {
	Latitude  *float64
	Longitude *float64
	Accuracy  float64
	Timestamp time.Time
	ErrorCode int

	// Now defaults to time.Now.
	Now func() time.Time
}

func (r Reading) CurrentPosition(ctx context.Context, opts Options) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	switch r.ErrorCode {
	case 0:
	case CodePermissionDenied:
		return Position{}, ErrPermissionDenied
	case CodeTimeout:
		return Position{}, ErrTimeout
	default:
		return Position{}, ErrPositionUnavailable
	}
	if r.Latitude == nil || r.Longitude == nil ||
		math.IsNaN(*r.Latitude) || math.IsNaN(*r.Longitude) {
		return Position{}, ErrPositionUnavailable
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = now()
	}
	if opts.MaxAge > 0 && now().Sub(ts) > opts.MaxAge {
		return Position{}, ErrTimeout
	}

	return Position{
		Latitude:  *r.Latitude,
		Longitude: *r.Longitude,
		Accuracy:  r.Accuracy,
		Timestamp: ts,
	}, nil
}
