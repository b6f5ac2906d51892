package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfig(t *testing.T, mutate func(*Configuration)) {
	t.Helper()
	saved := *Config
	t.Cleanup(func() { *Config = saved })
	mutate(Config)
}

func TestValidateDefaults(t *testing.T) {
	withConfig(t, func(c *Configuration) {})
	require.NoError(t, Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	withConfig(t, func(c *Configuration) { c.HTTP.Port = 0 })
	assert.Error(t, Validate())
}

func TestValidateRequiresChannel(t *testing.T) {
	withConfig(t, func(c *Configuration) { c.Postgres.Channel = "" })
	assert.Error(t, Validate())
}

func TestValidateRealtimeBounds(t *testing.T) {
	cases := []func(*Configuration){
		func(c *Configuration) { c.Realtime.SendBuffer = 0 },
		func(c *Configuration) { c.Realtime.ReadLimitBytes = 100 },
		// A non-positive ping interval would panic the write pump's ticker.
		func(c *Configuration) { c.Realtime.PingIntervalS = 0 },
		func(c *Configuration) { c.Realtime.PingIntervalS = -5 },
	}

	for _, mutate := range cases {
		saved := *Config
		mutate(Config)
		assert.Error(t, Validate())
		*Config = saved
	}
}

func TestValidateAuthNeedsAlgorithms(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Auth.Secret = "s3cret"
		c.Auth.Algorithms = nil
	})
	assert.Error(t, Validate())
}

func TestValidateRetryBounds(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Bridge.RetryInitialMS = 5000
		c.Bridge.RetryMaxMS = 1000
	})
	assert.Error(t, Validate())
}

func TestValidateSinkTypes(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Sinks = []SinkConfiguration{{Name: "bad", Type: "ftp"}}
	})
	assert.Error(t, Validate())

	withConfig(t, func(c *Configuration) {
		c.Sinks = []SinkConfiguration{{Name: "events", Type: "nats"}}
	})
	assert.Error(t, Validate(), "nats sink without URL must fail")

	withConfig(t, func(c *Configuration) {
		c.Sinks = []SinkConfiguration{
			{Name: "events", Type: "nats", NatsURL: "nats://localhost:4222"},
			{Name: "lake", Type: "kafka", Brokers: []string{"localhost:9092"}},
			{Name: "debug", Type: "log"},
		}
	})
	assert.NoError(t, Validate())
}

func TestValidateSnapshotLimits(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Snapshot.DefaultLimit = 1000
		c.Snapshot.MaxLimit = 100
	})
	assert.Error(t, Validate())
}
