package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rchen9527/agentdeck/internal/archive"
	"github.com/rchen9527/agentdeck/internal/engine"
	"github.com/rchen9527/agentdeck/tests/helpers"
)

// harness wires a handler to a live engine supervising one scripted
// backend, plus an empty in-memory archive and search index.
type harness struct {
	h      *Handler
	eng    *engine.Engine
	fb     *helpers.ScriptedBackend
	inst   *engine.Instance
	arch   *archive.Archive
	index  *archive.Index
	broker *Broker
}

func newHarnessWith(t *testing.T, fb *helpers.ScriptedBackend) *harness {
	t.Helper()

	eng := engine.New(engine.Config{BatchInterval: 5 * time.Millisecond})
	t.Cleanup(eng.Close)
	inst, err := eng.Connect(context.Background(), fb.URL())
	require.NoError(t, err)

	arch, err := archive.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })

	index, err := archive.NewIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	broker := NewBroker()
	eng.Subscribe(broker.Publish)

	return &harness{
		h:      NewHandler(eng, arch, index, broker),
		eng:    eng,
		fb:     fb,
		inst:   inst,
		arch:   arch,
		index:  index,
		broker: broker,
	}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, helpers.NewScriptedBackend(t))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealth(t *testing.T) {
	e := echo.New()
	hn := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, hn.h.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "healthy", resp["status"])
}
