// Package profile loads a scan session's connection and calibration
// settings from a JSON file on disk, the on-disk counterpart of
// session.Config for callers that don't want to hand-assemble one in
// code (the CLI entry point, primarily).
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
	"github.com/banshee-data/scanclient/internal/scanner/session"
)

const maxProfileSize = 1 * 1024 * 1024 // 1MB

// Profile is the on-disk schema for session.Config. Both endpoints and
// Calibration are required; every other field falls back to
// session.Config's own defaults when omitted.
type Profile struct {
	ControlEndpoint string                    `json:"control_endpoint"`
	StreamEndpoint  string                    `json:"stream_endpoint"`
	Family          scantypes.PatternFamily   `json:"family,omitempty"`
	MemoryBudgetMB  *float64                  `json:"memory_budget_mb,omitempty"`
	FrameStoreCap   *int                      `json:"frame_store_capacity,omitempty"`
	WorkerCount     *int                      `json:"worker_count,omitempty"`
	Calibration     *scantypes.CalibrationSet `json:"calibration"`
}

// Validate checks the structural requirements a Profile must satisfy
// before it can become a session.Config.
func (p *Profile) Validate() error {
	if p.ControlEndpoint == "" {
		return fmt.Errorf("profile: control_endpoint is required")
	}
	if p.StreamEndpoint == "" {
		return fmt.Errorf("profile: stream_endpoint is required")
	}
	if p.Calibration == nil {
		return fmt.Errorf("profile: calibration is required")
	}
	if p.Calibration.ImageWidth <= 0 || p.Calibration.ImageHeight <= 0 {
		return fmt.Errorf("profile: calibration image dimensions must be positive")
	}
	return nil
}

// ToSessionConfig converts a validated Profile into a session.Config.
func (p *Profile) ToSessionConfig() session.Config {
	cfg := session.Config{
		ControlEndpoint: p.ControlEndpoint,
		StreamEndpoint:  p.StreamEndpoint,
		Family:          p.Family,
		Calibration:     p.Calibration,
	}
	if p.MemoryBudgetMB != nil {
		cfg.MemoryBudgetMB = *p.MemoryBudgetMB
	}
	if p.FrameStoreCap != nil {
		cfg.FrameStoreCap = *p.FrameStoreCap
	}
	if p.WorkerCount != nil {
		cfg.WorkerCount = *p.WorkerCount
	}
	return cfg
}

// Load reads, size-bounds, and parses a profile JSON file from path,
// returning a validated Profile.
func Load(path string) (*Profile, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("profile: file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("profile: stat: %w", err)
	}
	if info.Size() > maxProfileSize {
		return nil, fmt.Errorf("profile: file too large: %d bytes (max %d)", info.Size(), maxProfileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("profile: read: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile: parse: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadTimeout is a ten-minute bound for a full profile-backed scan.
// Nothing in this module applies it: cmd/scanner waits for the scan
// without a deadline.
const LoadTimeout = 10 * time.Minute
