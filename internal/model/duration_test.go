package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurationSingleUnit(t *testing.T) {
	d, err := ParseDuration("30s")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestParseDurationCompound(t *testing.T) {
	d, err := ParseDuration("1h 30m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)
}

func TestParseDurationMillis(t *testing.T) {
	d, err := ParseDuration("250ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestParseDurationMonthVsMinute(t *testing.T) {
	month, err := ParseDuration("1M")
	require.NoError(t, err)
	minute, err := ParseDuration("1m")
	require.NoError(t, err)
	assert.NotEqual(t, month, minute)
}

func TestParseDurationRejectsGarbage(t *testing.T) {
	_, err := ParseDuration("banana")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = ParseDuration("10x")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = ParseDuration("")
	assert.ErrorIs(t, err, ErrInvalid)
}
