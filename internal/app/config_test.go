package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Addr:        "0.0.0.0:8080",
		DatabaseURL: "postgres://localhost/forge",
		Components:  ComponentsConfig{Orders: true, Payments: true, Notifications: true},
		Broker:      BrokerConfig{Kind: "redis"},
		Catalog:     ServiceConfig{BaseURL: "http://catalog"},
		Users:       ServiceConfig{BaseURL: "http://users"},
		Razorpay:    RazorpayConfig{KeyID: "rzp_test", KeySecret: "secret"},
	}
}

func TestConfig_Validate(t *testing.T) {
	for _, tt := range []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "Valid", mutate: func(*Config) {}},
		{name: "NoDatabase", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: "database URL"},
		{name: "UnknownBroker", mutate: func(c *Config) { c.Broker.Kind = "kafka" }, wantErr: "unknown broker"},
		{name: "NoComponents", mutate: func(c *Config) { c.Components = ComponentsConfig{} }, wantErr: "no components"},
		{name: "OrdersWithoutCatalog", mutate: func(c *Config) { c.Catalog.BaseURL = "" }, wantErr: "catalog"},
		{name: "PaymentsWithoutKeys", mutate: func(c *Config) { c.Razorpay.KeySecret = "" }, wantErr: "razorpay"},
		{name: "NotificationsWithoutUsers", mutate: func(c *Config) { c.Users.BaseURL = "" }, wantErr: "users"},
		{
			name: "NotificationsOnly",
			mutate: func(c *Config) {
				c.Components = ComponentsConfig{Notifications: true}
				c.Catalog.BaseURL, c.Razorpay = "", RazorpayConfig{}
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_PlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("REDIS_URL", "redis://platform:6379/1")
	t.Setenv("FORGE_REDIS_URL", "")
	t.Setenv("PORT", "9090")

	cfg := Config{Addr: "0.0.0.0:8080", RedisURL: "redis://localhost:6379/0"}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://platform:6379/1", cfg.RedisURL)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)
}

func TestConfig_ExplicitValuesWin(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("REDIS_URL", "redis://platform:6379/1")
	t.Setenv("FORGE_REDIS_URL", "redis://explicit:6379/0")
	t.Setenv("PORT", "9090")

	cfg := Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit/db", RedisURL: "redis://explicit:6379/0"}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://explicit:6379/0", cfg.RedisURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}
