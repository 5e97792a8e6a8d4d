// Package network tracks transport connectivity and exposes it as a job constraint.
package network

import (
	"log/slog"

	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/telemetry"
)

// ConstraintName is the name jobs use to wait for connectivity.
const ConstraintName = "network"

// Compile-time checks that Monitor is an observable constraint.
var (
	_ jobmanager.Constraint = (*Monitor)(nil)
	_ jobmanager.Observable = (*Monitor)(nil)
)

// Monitor is a push-based connectivity flag. Transports report changes through
// SetAvailable; the job manager subscribes to re-evaluate jobs blocked on the network.
type Monitor struct {
	state   *jobmanager.Toggle
	metrics *telemetry.Metrics
}

// NewMonitor creates a Monitor with the given initial availability.
func NewMonitor(available bool, metrics *telemetry.Metrics) *Monitor {
	metrics.SetNetworkAvailable(available)
	return &Monitor{state: jobmanager.NewToggle(available), metrics: metrics}
}

// SetAvailable records the current connectivity.
func (m *Monitor) SetAvailable(available bool) {
	if !m.state.Set(available) {
		return
	}
	m.metrics.SetNetworkAvailable(available)
	slog.Info("Monitor.SetAvailable: connectivity changed", "available", available)
}

// IsMet reports whether the network is available.
func (m *Monitor) IsMet() bool { return m.state.IsMet() }

// Available is IsMet under its domain name.
func (m *Monitor) Available() bool { return m.state.IsMet() }

func (m *Monitor) Subscribe(fn func()) func() { return m.state.Subscribe(fn) }
