package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg := Load()

	assert.Equal(t, "http://localhost:9090", cfg.BaseURL)
	assert.Equal(t, PubSubMemory, cfg.PubSubDriver)
	assert.Equal(t, 15*time.Minute, cfg.EditWindow)
	assert.Equal(t, 48*time.Hour, cfg.DeleteWindow)
	assert.Equal(t, 2*time.Second, cfg.PublishTimeout)
	assert.Equal(t, int64(25<<20), cfg.MaxAttachmentSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MESSAGE_EDIT_WINDOW", "5m")
	t.Setenv("MESSAGE_DELETE_WINDOW", "1h")
	t.Setenv("PUBSUB_DRIVER", "nats")
	t.Setenv("MAX_ATTACHMENT_SIZE", "1024")
	t.Setenv("PUBLISH_TIMEOUT", "not-a-duration")

	cfg := Load()

	assert.Equal(t, 5*time.Minute, cfg.EditWindow)
	assert.Equal(t, time.Hour, cfg.DeleteWindow)
	assert.Equal(t, PubSubNATS, cfg.PubSubDriver)
	assert.Equal(t, int64(1024), cfg.MaxAttachmentSize)
	assert.Equal(t, 2*time.Second, cfg.PublishTimeout)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := map[string]func(c *Config){
		"delete window shorter than edit window": func(c *Config) { c.DeleteWindow = c.EditWindow - time.Second },
		"unknown pubsub driver":                  func(c *Config) { c.PubSubDriver = "kafka" },
		"default secret in production":           func(c *Config) { c.Environment = "production" },
		"memory store in production": func(c *Config) {
			c.Environment = "production"
			c.JWTSecret = "real"
			c.DatabaseURL = "memory://"
		},
		"s3 without bucket": func(c *Config) {
			c.UseS3 = true
			c.S3BucketName = ""
		},
		"zero attachments": func(c *Config) { c.MaxAttachmentsPerMessage = 0 },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Load()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestUsesMemoryStore(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory://")
	assert.True(t, Load().UsesMemoryStore())
}
