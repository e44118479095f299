package gateway

import "time"

// HealthStatus is the diagnostic liveness of a connection or screen
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthUnresponsive HealthStatus = "unresponsive"
)

// DefaultHeartbeatTimeout is slightly longer than the screens' 30s heartbeat
const DefaultHeartbeatTimeout = 35 * time.Second

// HealthMonitor classifies connections by heartbeat age. It never
// disconnects anything; transport close is the only removal path.
type HealthMonitor struct {
	timeout time.Duration
}

// NewHealthMonitor creates a monitor; a non-positive timeout uses the default
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &HealthMonitor{timeout: timeout}
}

func (m *HealthMonitor) Timeout() time.Duration { return m.timeout }

// Classify returns healthy if the last heartbeat is younger than the timeout
func (m *HealthMonitor) Classify(lastHeartbeat, now time.Time) HealthStatus {
	if now.Sub(lastHeartbeat) < m.timeout {
		return HealthHealthy
	}
	return HealthUnresponsive
}

// ClassifyScreen is healthy when any of the screen's connections is healthy
func (m *HealthMonitor) ClassifyScreen(conns []*Connection, now time.Time) HealthStatus {
	for _, c := range conns {
		if m.Classify(c.LastHeartbeatAt, now) == HealthHealthy {
			return HealthHealthy
		}
	}
	return HealthUnresponsive
}

// Heartbeat records a heartbeat for a connection
func (m *HealthMonitor) Heartbeat(conn *Connection, now time.Time) {
	conn.LastHeartbeatAt = now
}
