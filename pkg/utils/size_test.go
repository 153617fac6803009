package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"16384", 16384, false},
		{"100B", 100, false},
		{"1KB", 1000, false},
		{"1.5KB", 1500, false},
		{"16K", 16384, false},
		{"1KiB", 1024, false},
		{"200MB", 200000000, false},
		{"200MiB", 209715200, false},
		{"1M", 1048576, false},
		{"1GB", 1000000000, false},
		{"1GiB", 1073741824, false},
		{"1.5TiB", 1649267441664, false},
		{"1PB", 1000000000000000, false},
		{"1gb", 1000000000, false},
		{" 100 MB ", 100000000, false},

		{"", 0, true},
		{"invalid", 0, true},
		{"GB", 0, true},
		{"1.2.3GB", 0, true},
		{"1XB", 0, true},
		{"-1GB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{104857600, "100 MB"},
		{1610612736, "1.5 GB"},
		{1125899906842624, "1 PB"},
		{-1, "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDataSize(tt.input))
		})
	}
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "0 B/s", FormatSpeed(0))
	assert.Equal(t, "0 B/s", FormatSpeed(-5))
	assert.Equal(t, "1 MB/s", FormatSpeed(1048576))
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{-1, "unknown"},
		{0, "0s"},
		{42 * time.Second, "42s"},
		{90 * time.Second, "1m30s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h02m03s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatETA(tt.input))
		})
	}
}

func TestParseDataSizeWithDefault(t *testing.T) {
	def := int64(16384)
	assert.Equal(t, def, ParseDataSizeWithDefault("", def))
	assert.Equal(t, def, ParseDataSizeWithDefault("nope", def))
	assert.Equal(t, int64(2147483648), ParseDataSizeWithDefault("2GiB", def))
}
