package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name:        "valid json info",
			config:      Config{Level: "info", Format: "json"},
			expectError: false,
		},
		{
			name:        "valid console debug",
			config:      Config{Level: "debug", Format: "console"},
			expectError: false,
		},
		{
			name:        "invalid level",
			config:      Config{Level: "verbose", Format: "json"},
			expectError: true,
		},
		{
			name:        "invalid format",
			config:      Config{Level: "info", Format: "xml"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
}

func TestNew(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Debug("test entry")
}

func TestNewWithFields(t *testing.T) {
	logger, err := New(Config{
		Fields: map[string]string{"service": "decisiond"},
	})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}
