package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

	ts, err := parseSince("2024-05-01T08:30:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC), ts)

	ts, err = parseSince("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), ts)

	_, err = parseSince("yesterday", now)
	assert.Error(t, err)
}

func TestFormatOptionalTime(t *testing.T) {
	assert.Equal(t, "-", formatOptionalTime(nil))
	ts := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-05-01T08:30:00Z", formatOptionalTime(&ts))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
