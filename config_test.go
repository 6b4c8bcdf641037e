package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Accounts:          []string{"DU1"},
		Symbols:           []string{"AAPL"},
		Broker:            brokerPaper,
		PaperStartingCash: 100000,
		ParamsFile:        "params.yaml",
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no accounts", func(c *Config) { c.Accounts = nil }, "ACCOUNTS"},
		{"no symbols", func(c *Config) { c.Symbols = nil }, "SYMBOLS"},
		{"unknown broker", func(c *Config) { c.Broker = "ib" }, "unknown BROKER"},
		{"paper without cash", func(c *Config) { c.PaperStartingCash = 0 }, "PAPER_STARTING_CASH"},
		{"bridge without url", func(c *Config) { c.Broker = brokerBridge }, "BRIDGE_URL"},
		{"influx without org", func(c *Config) { c.Influx = InfluxConfig{URL: "http://influx:8086", Bucket: "b"} }, "INFLUX_ORG"},
		{"telegram without chat", func(c *Config) { c.TelegramToken = "tok" }, "TELEGRAM_CHAT_ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ACCOUNTS", "DU1, DU2,")
	t.Setenv("SYMBOLS", "aapl,msft")
	t.Setenv("BROKER", "Bridge")
	t.Setenv("BRIDGE_URL", "http://127.0.0.1:8787/")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("PARAMS_HOT_RELOAD", "no")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("PAPER_STARTING_CASH", "not-a-number")

	c := loadConfigFromEnv()
	assert.Equal(t, []string{"DU1", "DU2"}, c.Accounts)
	assert.Equal(t, []string{"AAPL", "MSFT"}, c.Symbols)
	assert.Equal(t, brokerBridge, c.Broker)
	assert.Equal(t, "http://127.0.0.1:8787", c.BridgeURL)
	assert.Equal(t, 2*time.Second, c.PollInterval)
	assert.False(t, c.ParamsHotReload)
	assert.Equal(t, int64(42), c.TelegramChatID)
	assert.Equal(t, 100000.0, c.PaperStartingCash)
}
