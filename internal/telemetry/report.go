package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Report is the wire projection of one fix under one session's metadata.
// It is a plain value: once built it is never modified, so it can cross
// from the tracking goroutine to the delivery worker without locking.
type Report struct {
	Latitude     Coordinate `json:"latitude"`
	Longitude    Coordinate `json:"longitude"`
	CourseNumber string     `json:"courseNumber"`
	VehicleName  string     `json:"vehicleName"`

	SessionID string `json:"-"` // journal only, never sent
}

// Coordinate is a decimal degree value. It always encodes with a fractional
// part, so 21 is sent as 21.0.
type Coordinate float64

func (c Coordinate) MarshalJSON() ([]byte, error) {
	f := float64(c)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("telemetry: coordinate %v is not a finite number", f)
	}
	return []byte(FormatCoordinate(f)), nil
}

// FormatCoordinate renders the shortest decimal that round-trips, with at
// least one digit after the point.
func FormatCoordinate(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

// Encode returns the UTF-8 JSON body for r.
func (r Report) Encode() ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("telemetry: encode report: %w", err)
	}
	return body, nil
}
