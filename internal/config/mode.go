package config

import (
	"fmt"
	"strings"
)

// Mode defines which parts of a planner process run
type Mode string

const (
	// ModeAll runs the HTTP API and the execution engine in one process.
	// Use for: development and single-node deployments
	ModeAll Mode = "all"

	// ModeAPI runs only the HTTP API. Tasks are accepted and stored but
	// executed by a separate engine process sharing the store.
	ModeAPI Mode = "api"

	// ModeEngine runs only the execution engine
	// Use for: dedicated dispatch nodes in a distributed setup
	ModeEngine Mode = "engine"
)

var validModes = []Mode{ModeAll, ModeAPI, ModeEngine}

// Validate checks the mode is known
func (m Mode) Validate() error {
	for _, mode := range validModes {
		if m == mode {
			return nil
		}
	}
	names := make([]string, len(validModes))
	for i, mode := range validModes {
		names[i] = string(mode)
	}
	return fmt.Errorf("invalid mode: %s (must be one of: %s)", m, strings.Join(names, ", "))
}

// RunsAPI reports whether the HTTP API is served in this mode
func (m Mode) RunsAPI() bool {
	return m == ModeAll || m == ModeAPI
}

// RunsEngine reports whether the execution engine runs in this mode
func (m Mode) RunsEngine() bool {
	return m == ModeAll || m == ModeEngine
}

// String returns a human-readable description of the config
func (c *Config) String() string {
	store := c.StoreBackend
	if c.StoreBackend == BackendSQLite {
		store += "(" + c.SQLitePath + ")"
	}

	engine := "disabled"
	if c.Mode.RunsEngine() {
		engine = fmt.Sprintf("enabled (poll: %v, horizon: %v, in-flight: %d)", c.PollInterval, c.ImminentHorizon, c.MaxInFlight)
	}

	api := "disabled"
	if c.Mode.RunsAPI() {
		api = ":" + c.APIPort
	}

	return fmt.Sprintf(
		"Config{mode=%s, store=%s, payload=%s, api=%s, engine=%s, results=%t}",
		c.Mode, store, c.PayloadFormat, api, engine, c.ResultBackendEnabled,
	)
}
