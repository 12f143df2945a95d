package gps

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoProvider simulates a vehicle circling central Warsaw.
type DemoProvider struct {
	mu sync.Mutex
	t  float64
}

func NewDemoProvider() *DemoProvider { return &DemoProvider{} }

func (d *DemoProvider) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoProvider) Connect() error { return nil }
func (d *DemoProvider) Close() error   { return nil }

func (d *DemoProvider) Read() (Fix, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	const (
		centerLat = 52.2297
		centerLon = 21.0122
		radius    = 0.01 // ~1 km
	)

	return Fix{
		Latitude:   centerLat + radius*math.Sin(d.t*0.05),
		Longitude:  centerLon + radius*math.Cos(d.t*0.05),
		ObservedAt: time.Now().UTC(),
		Valid:      true,
		Speed:      40 + 15*math.Sin(d.t*0.3) + rand.Float64()*3,
		Heading:    math.Mod(d.t*3, 360),
		Altitude:   100,
		Satellites: 11,
		FixQuality: 1,
		HDOP:       0.9,
	}, nil
}
