package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/twinengine/internal/model"
)

func TestSplitThingID(t *testing.T) {
	app, name, err := splitThingID("default/sensor-1")
	require.NoError(t, err)
	assert.Equal(t, "default", app)
	assert.Equal(t, "sensor-1", name)
}

func TestSplitThingIDRejectsMalformed(t *testing.T) {
	_, _, err := splitThingID("no-slash-here")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestWakerNextNilWhenNoWaker(t *testing.T) {
	assert.Nil(t, wakerNext(&model.Thing{}))
}

func TestWakerNextReflectsWaker(t *testing.T) {
	next := time.Now().UTC()
	got := wakerNext(&model.Thing{Waker: &model.Waker{Next: next}})
	require.NotNil(t, got)
	assert.True(t, got.Equal(next))
}
