package gps

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

var ErrNotConnected = errors.New("gps: not connected")

// NMEAProvider reads NMEA 0183 RMC and GGA sentences from a serial GPS
// receiver and merges them into a Fix.
type NMEAProvider struct {
	portPath string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	scanner *bufio.Scanner
	last    Fix
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	return &NMEAProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
	}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS " + n.portPath }

func (n *NMEAProvider) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(n.portPath, mode)
	if err != nil {
		return fmt.Errorf("gps: open %s: %w", n.portPath, err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("gps: set read timeout: %w", err)
	}

	n.mu.Lock()
	n.port = port
	n.scanner = bufio.NewScanner(port)
	n.mu.Unlock()

	log.Printf("[gps] connected to %s at %d baud", n.portPath, n.baudRate)
	return nil
}

func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scanner = nil
	if n.port != nil {
		err := n.port.Close()
		n.port = nil
		return err
	}
	return nil
}

// Read consumes sentences until both an RMC and a GGA have been seen, or
// the line budget runs out, and returns the merged fix.
func (n *NMEAProvider) Read() (Fix, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.scanner == nil {
		return Fix{}, ErrNotConnected
	}

	gotRMC, gotGGA := false, false
	for i := 0; i < 20 && !(gotRMC && gotGGA); i++ {
		if !n.scanner.Scan() {
			if err := n.scanner.Err(); err != nil {
				return n.last, fmt.Errorf("gps: read: %w", err)
			}
			break
		}
		switch s := parseSentence(n.scanner.Text()); s.kind {
		case "RMC":
			applyRMC(&n.last, s.fields)
			gotRMC = true
		case "GGA":
			applyGGA(&n.last, s.fields)
			gotGGA = true
		}
	}
	return n.last, nil
}

type sentence struct {
	kind   string // "RMC", "GGA", or "" for anything else
	fields []string
}

// parseSentence validates the checksum and splits the sentence. Talker IDs
// (GP, GN, GL...) are ignored.
func parseSentence(line string) sentence {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") || !validChecksum(line) {
		return sentence{}
	}
	body := line[1:strings.Index(line, "*")]
	fields := strings.Split(body, ",")
	if len(fields[0]) != 5 {
		return sentence{}
	}
	return sentence{kind: fields[0][2:], fields: fields}
}

// applyRMC merges $xxRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,...
func applyRMC(f *Fix, p []string) {
	if len(p) < 10 {
		return
	}
	f.Valid = p[2] == "A"
	if !f.Valid {
		return
	}
	f.Latitude = parseCoord(p[3], p[4])
	f.Longitude = parseCoord(p[5], p[6])
	if spd, err := strconv.ParseFloat(p[7], 64); err == nil {
		f.Speed = spd * 1.852 // knots
	}
	if hdg, err := strconv.ParseFloat(p[8], 64); err == nil {
		f.Heading = hdg
	}
	if ts, ok := parseStamp(p[9], p[1]); ok {
		f.ObservedAt = ts
	} else {
		f.ObservedAt = time.Now().UTC()
	}
}

// applyGGA merges $xxGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,q,ss,h.h,alt,M,...
func applyGGA(f *Fix, p []string) {
	if len(p) < 10 {
		return
	}
	if q, err := strconv.Atoi(p[6]); err == nil {
		f.FixQuality = q
	}
	if sats, err := strconv.Atoi(p[7]); err == nil {
		f.Satellites = sats
	}
	if hdop, err := strconv.ParseFloat(p[8], 64); err == nil {
		f.HDOP = hdop
	}
	if alt, err := strconv.ParseFloat(p[9], 64); err == nil {
		f.Altitude = alt
	}
}

// parseCoord converts ddmm.mmmm / dddmm.mmmm to signed decimal degrees.
func parseCoord(raw, hemi string) float64 {
	if raw == "" || hemi == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	out := deg + (val-deg*100)/60
	if hemi == "S" || hemi == "W" {
		out = -out
	}
	return out
}

// parseStamp combines an RMC date (ddmmyy) and time (hhmmss.ss) into UTC.
func parseStamp(date, clock string) (time.Time, bool) {
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}, false
	}
	t, err := time.Parse("020106150405", date+clock[:6])
	if err != nil {
		return time.Time{}, false
	}
	if len(clock) > 7 && clock[6] == '.' {
		if frac, err := strconv.ParseFloat("0"+clock[6:], 64); err == nil {
			t = t.Add(time.Duration(frac * float64(time.Second)))
		}
	}
	return t, true
}

// validChecksum checks the XOR of everything between $ and * against the
// two hex digits after *.
func validChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 1 || idx+3 > len(line) {
		return false
	}
	var calc byte
	for i := 1; i < idx; i++ {
		calc ^= line[i]
	}
	want, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(want) == calc
}
