package gps

import "time"

// Fix is one position sample from a provider.
type Fix struct {
	Latitude   float64   `json:"latitude"`  // Decimal degrees
	Longitude  float64   `json:"longitude"` // Decimal degrees
	ObservedAt time.Time `json:"observedAt"`

	Valid      bool    `json:"valid"`
	Speed      float64 `json:"speed"`      // km/h
	Heading    float64 `json:"heading"`    // Degrees true
	Altitude   float64 `json:"altitude"`   // Meters
	Satellites int     `json:"satellites"` // Sats in use
	FixQuality int     `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	HDOP       float64 `json:"hdop"`
}

// maxPreciseHDOP is the worst dilution accepted when high accuracy is asked for.
const maxPreciseHDOP = 2.0

// Precise reports whether f is good enough for a high-accuracy subscription.
func (f Fix) Precise() bool {
	if !f.Valid || f.FixQuality == 0 {
		return false
	}
	return f.HDOP == 0 || f.HDOP <= maxPreciseHDOP
}

// Provider is the interface for position sources.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest fix. May block briefly.
	Read() (Fix, error)
}
