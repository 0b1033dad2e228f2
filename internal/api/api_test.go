package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/notifier"
)

type fakeStore struct {
	things map[string]*model.Thing
}

func (f *fakeStore) Create(ctx context.Context, t *model.Thing) error { return nil }

func (f *fakeStore) Get(ctx context.Context, thingID string) (*model.Thing, error) {
	t, ok := f.things[thingID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) UpdateIf(ctx context.Context, newState *model.Thing, expectedResourceVersion string) (*model.Thing, error) {
	return newState, nil
}

func (f *fakeStore) DeleteHard(ctx context.Context, thingID string, expectedResourceVersion string) error {
	return nil
}

func (f *fakeStore) DueWakers(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) Close() {}

func TestHealthCheckReturnsOK(t *testing.T) {
	a := New(&fakeStore{things: map[string]*model.Thing{}}, notifier.NewHub())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	a.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestSubscribeRouteRequiresBothPathSegments(t *testing.T) {
	a := New(&fakeStore{things: map[string]*model.Thing{}}, notifier.NewHub())

	req := httptest.NewRequest(http.MethodGet, "/things/default/subscribe", nil)
	rr := httptest.NewRecorder()

	a.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
