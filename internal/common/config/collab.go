package config

import "time"

const (
	DefaultExpirationWindow = 70 * time.Second
	DefaultSweepInterval    = time.Second
	DefaultPingInterval     = 15 * time.Second
	DefaultStreamTimeout    = 9 * time.Minute
	DefaultSetupWindow      = 20 * time.Second
	DefaultSendTimeout      = 5 * time.Second
	DefaultQueueSize        = 64
	DefaultBusWorkers       = 16
)

// CollabConfig holds the timing of the collaboration engine
type CollabConfig struct {
	ExpirationWindow time.Duration `yaml:"expiration_window"` // session/update expiration after the last heartbeat
	SweepInterval    time.Duration `yaml:"sweep_interval"`    // interval of the expired session sweep
	PingInterval     time.Duration `yaml:"ping_interval"`     // keep-alive interval of push connections
	StreamTimeout    time.Duration `yaml:"stream_timeout"`    // hard ceiling of one push connection
	SetupWindow      time.Duration `yaml:"setup_window"`      // age of updates replayed in a setup snapshot
	SendTimeout      time.Duration `yaml:"send_timeout"`      // upper bound of a single push send
	QueueSize        int           `yaml:"queue_size"`        // frames buffered per push connection
	BusWorkers       int           `yaml:"bus_workers"`       // bus events of one page are applied by one worker
}

func (c *CollabConfig) setDefaults() {
	if c.ExpirationWindow <= 0 {
		c.ExpirationWindow = DefaultExpirationWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = DefaultStreamTimeout
	}
	if c.SetupWindow <= 0 {
		c.SetupWindow = DefaultSetupWindow
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.BusWorkers <= 0 {
		c.BusWorkers = DefaultBusWorkers
	}
}
