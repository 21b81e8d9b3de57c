package v1

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rchen9527/agentdeck/internal/domain"
	"github.com/rchen9527/agentdeck/internal/engine"
	"github.com/rchen9527/agentdeck/tests/helpers"
)

func TestConnectInstanceValidation(t *testing.T) {
	e := echo.New()
	hn := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/instances", bytes.NewBufferString(`{"base_url":""}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, hn.h.ConnectInstance(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectInstanceSuccess(t *testing.T) {
	e := echo.New()
	hn := newHarness(t)
	other := helpers.NewScriptedBackend(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/instances", bytes.NewBufferString(`{"base_url":"`+other.URL()+`"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, hn.h.ConnectInstance(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var info engine.InstanceInfo
	decodeBody(t, rec, &info)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, other.URL(), info.BaseURL)
	assert.Len(t, hn.eng.Instances(), 2)
}

func TestConnectInstanceBackendDown(t *testing.T) {
	e := echo.New()
	hn := newHarness(t)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/instances", bytes.NewBufferString(`{"base_url":"`+deadURL+`"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, hn.h.ConnectInstance(c))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Len(t, hn.eng.Instances(), 1)
}

func TestGetInstance(t *testing.T) {
	e := echo.New()
	hn := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/"+hn.inst.ID, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/instances/:instance_id")
	c.SetParamNames("instance_id")
	c.SetParamValues(hn.inst.ID)

	require.NoError(t, hn.h.GetInstance(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var info engine.InstanceInfo
	decodeBody(t, rec, &info)
	assert.Equal(t, hn.inst.ID, info.ID)
}

func TestGetInstanceNotFound(t *testing.T) {
	e := echo.New()
	hn := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/inst_missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/instances/:instance_id")
	c.SetParamNames("instance_id")
	c.SetParamValues("inst_missing")

	require.NoError(t, hn.h.GetInstance(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisconnectInstance(t *testing.T) {
	e := echo.New()
	hn := newHarness(t)

	req := httptest.NewRequest(http.MethodDelete, "/v1/instances/"+hn.inst.ID, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/instances/:instance_id")
	c.SetParamNames("instance_id")
	c.SetParamValues(hn.inst.ID)

	require.NoError(t, hn.h.DisconnectInstance(c))
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := hn.eng.Instance(hn.inst.ID)
	assert.False(t, ok)

	// Second disconnect finds nothing.
	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/v1/instances/"+hn.inst.ID, nil), rec)
	c.SetPath("/v1/instances/:instance_id")
	c.SetParamNames("instance_id")
	c.SetParamValues(hn.inst.ID)

	require.NoError(t, hn.h.DisconnectInstance(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconnectInstanceReplacesSessions(t *testing.T) {
	e := echo.New()
	fb := helpers.NewScriptedBackend(t)
	fb.Seed(domain.Session{ID: "sess_old", Title: "old", CreatedAt: 100})
	hn := newHarnessWith(t, fb)

	fb.Seed(domain.Session{ID: "sess_new", Title: "new", CreatedAt: 200})

	req := httptest.NewRequest(http.MethodPost, "/v1/instances/"+hn.inst.ID+"/reconnect", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/instances/:instance_id/reconnect")
	c.SetParamNames("instance_id")
	c.SetParamValues(hn.inst.ID)

	require.NoError(t, hn.h.ReconnectInstance(c))
	require.Equal(t, http.StatusOK, rec.Code)

	sessions := hn.inst.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess_new", sessions[0].ID)
}

func TestReconnectInstanceNotFound(t *testing.T) {
	e := echo.New()
	hn := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/instances/inst_missing/reconnect", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/instances/:instance_id/reconnect")
	c.SetParamNames("instance_id")
	c.SetParamValues("inst_missing")

	require.NoError(t, hn.h.ReconnectInstance(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
