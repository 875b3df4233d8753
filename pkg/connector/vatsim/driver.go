// Package vatsim binds the VATSIM network data feed. The feed is a public
// read-only REST document, so the driver polls and never writes.
package vatsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/synopticon/synopticon/pkg/connector"
)

// DefaultFeedURL is the live network data document.
const DefaultFeedURL = "https://data.vatsim.net/v3/vatsim-data.json"

// minPollInterval enforces the feed's rate limit: at most one request
// every 15 seconds.
const minPollInterval = 15 * time.Second

const httpTimeout = 10 * time.Second

// Pilot is one connected pilot in the feed document.
type Pilot struct {
	CID         int     `json:"cid"`
	Callsign    string  `json:"callsign"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Altitude    int     `json:"altitude"`
	Groundspeed int     `json:"groundspeed"`
	Heading     int     `json:"heading"`
	Transponder string  `json:"transponder"`
	FlightPlan  *struct {
		Departure      string `json:"departure"`
		Arrival        string `json:"arrival"`
		Aircraft       string `json:"aircraft"`
		CruiseAltitude string `json:"altitude"`
		Route          string `json:"route"`
	} `json:"flight_plan"`
	LastUpdated time.Time `json:"last_updated"`
}

type feedDocument struct {
	Pilots []Pilot `json:"pilots"`
}

// Config tunes the VATSIM driver.
type Config struct {
	FeedURL  string `json:"feed_url" mapstructure:"feed_url"`
	SourceID string `json:"source_id" mapstructure:"source_id"`
	// Callsign filters the feed to one pilot. Empty emits every pilot.
	Callsign string `json:"callsign" mapstructure:"callsign"`
	// PollInterval below the feed rate limit is clamped up to it.
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
}

// Driver polls the network feed and emits one frame per matching pilot.
type Driver struct {
	cfg    Config
	client *http.Client
}

// NewDriver creates a VATSIM driver.
func NewDriver(cfg Config) *Driver {
	if cfg.FeedURL == "" {
		cfg.FeedURL = DefaultFeedURL
	}

	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = minPollInterval
	}

	return &Driver{
		cfg:    cfg,
		client: &http.Client{Timeout: httpTimeout},
	}
}

func (d *Driver) Simulator() string { return "vatsim" }

// Open fetches the document once to validate reachability.
func (d *Driver) Open(ctx context.Context) error {
	_, err := d.fetch(ctx)
	if err != nil {
		return err
	}

	return nil
}

func (d *Driver) Close(context.Context) error {
	d.client.CloseIdleConnections()

	return nil
}

// Run polls at the configured interval, never faster than the feed's rate
// limit, and emits frames for matching pilots.
func (d *Driver) Run(ctx context.Context, emit func(connector.TelemetryFrame)) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0

	for {
		doc, err := d.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			failures++
			if failures >= 3 {
				return fmt.Errorf("vatsim feed unavailable: %w", err)
			}
		} else {
			failures = 0

			for _, pilot := range doc.Pilots {
				if d.cfg.Callsign != "" && pilot.Callsign != d.cfg.Callsign {
					continue
				}

				emit(d.frame(pilot))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Driver) fetch(ctx context.Context) (feedDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.FeedURL, nil)
	if err != nil {
		return feedDocument{}, fmt.Errorf("build vatsim request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return feedDocument{}, fmt.Errorf("fetch vatsim feed: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return feedDocument{}, fmt.Errorf("vatsim feed status %d", resp.StatusCode)
	}

	var doc feedDocument

	err = json.NewDecoder(resp.Body).Decode(&doc)
	if err != nil {
		return feedDocument{}, fmt.Errorf("decode vatsim feed: %w", err)
	}

	return doc, nil
}

func (d *Driver) frame(pilot Pilot) connector.TelemetryFrame {
	frame := connector.TelemetryFrame{
		Timestamp: pilot.LastUpdated.UnixMicro(),
		SourceID:  d.cfg.SourceID,
		Simulator: d.Simulator(),
		Vehicle: connector.Vehicle{
			Position: [3]float64{pilot.Latitude, pilot.Longitude, float64(pilot.Altitude)},
			Heading:  float64(pilot.Heading),
		},
		Performance: connector.Performance{
			Speed: float64(pilot.Groundspeed),
		},
		Metadata: map[string]string{
			"callsign":    pilot.Callsign,
			"cid":         fmt.Sprintf("%d", pilot.CID),
			"transponder": pilot.Transponder,
		},
	}

	if pilot.LastUpdated.IsZero() {
		frame.Timestamp = time.Now().UnixMicro()
	}

	if fp := pilot.FlightPlan; fp != nil {
		frame.Metadata["departure"] = fp.Departure
		frame.Metadata["arrival"] = fp.Arrival
		frame.Metadata["aircraft"] = fp.Aircraft
	}

	return frame
}

// SendCommand always fails: the feed is read-only.
func (d *Driver) SendCommand(context.Context, connector.Command) error {
	return errors.New("vatsim feed is read-only")
}

// Capabilities is empty: no command support.
func (d *Driver) Capabilities() []connector.Capability { return nil }

// MockProfile is the deterministic fallback generator: an airliner-style
// circuit near Frankfurt at FL340.
func MockProfile() connector.Profile {
	return connector.CircuitProfile(50.03, 8.57, 34_000)
}
