// Package config holds the runtime knobs for the MPTCP engine.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scheduler names registered in mptcp.SchedulerRegistry.
const (
	SchedulerMinSRTT = "min_srtt"
)

// Config mirrors the sysctl-style knobs of spec §6.5.
type Config struct {
	// Enabled is the MPTCP on/off knob. No package in this module reads
	// it: connections negotiate MPTCP whatever its value.
	Enabled bool `yaml:"mptcp_enabled"`

	// NDiffPorts selects port-diversity path construction when > 1.
	NDiffPorts int `yaml:"mptcp_ndiffports"`

	// Checksum requires DSS checksum coverage on every mapped segment.
	Checksum bool `yaml:"mptcp_checksum"`

	// MSS is the default MSS used for meta-sends.
	MSS int `yaml:"mptcp_mss"`

	// Scheduler names the registered scheduler function to use.
	Scheduler string `yaml:"mptcp_scheduler"`

	// AddressSetCap bounds the number of addresses tracked per direction
	// (spec §4.2, "fixed cap, typically 12").
	AddressSetCap int `yaml:"address_set_cap"`

	// JoinTimeoutSeconds bounds how long a pending JOIN survives without
	// a completing ACK (spec §5, "shares TCP's SYN timeout").
	JoinTimeoutSeconds int `yaml:"join_timeout_seconds"`

	// ProtoConnIdleTimeoutSeconds is an idle timeout for a per-4-tuple
	// protocol connection once its last subflow departs. No package in
	// this module reads it.
	ProtoConnIdleTimeoutSeconds int `yaml:"proto_conn_idle_timeout_seconds"`

	// PayloadPoolSize is the number of pooled segment-payload chunks.
	PayloadPoolSize int `yaml:"payload_pool_size"`

	// PoolDebug enables ringpool's footprint/channel instrumentation.
	PoolDebug bool `yaml:"pool_debug"`

	// ProcessTimeThresholdMs flags slow-consumer chunks in the pool.
	ProcessTimeThresholdMs int `yaml:"process_time_threshold_ms"`

	// ClientPortLower/Upper describe a range of ephemeral local ports for
	// dialed subflows. rawsubflow's port pool does not read them; it uses
	// its own fixed range, 32768-60768.
	ClientPortLower int `yaml:"client_port_lower"`
	ClientPortUpper int `yaml:"client_port_upper"`
}

// Default returns the configuration the engine runs with absent a file.
func Default() *Config {
	return &Config{
		Enabled:                     true,
		NDiffPorts:                  1,
		Checksum:                    false,
		MSS:                         1460,
		Scheduler:                   SchedulerMinSRTT,
		AddressSetCap:               12,
		JoinTimeoutSeconds:          75,
		ProtoConnIdleTimeoutSeconds: 10,
		PayloadPoolSize:             2000,
		PoolDebug:                   false,
		ProcessTimeThresholdMs:      10,
		ClientPortLower:             32768,
		ClientPortUpper:             60999,
	}
}

// ReadConfig loads a yaml configuration file on top of Default(), so a
// file only needs to set the knobs it wants to change.
func ReadConfig(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.NDiffPorts < 1 {
		cfg.NDiffPorts = 1
	}
	if cfg.Scheduler == "" {
		cfg.Scheduler = SchedulerMinSRTT
	}

	return cfg, nil
}
