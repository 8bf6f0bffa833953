package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/xl320-bus/internal/metrics"
	"github.com/shaunagostinho/xl320-bus/internal/recorder"
	"github.com/shaunagostinho/xl320-bus/internal/transport"
	"github.com/shaunagostinho/xl320-bus/internal/xl320"
)

type fixture struct {
	srv  *Server
	sim  *transport.Sim
	http *httptest.Server
	rec  *recorder.Recorder
	cfg  *Config
	path string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := LoadConfig(path, nil)
	cfg.Servos = []ServoConfig{{ID: 1, Name: "base"}, {ID: 2, Name: "elbow"}}
	cfg.Poll.Registers = []string{"position", "temperature"}

	sim := transport.NewSim(transport.SimConfig{IDs: []uint8{1, 2}, Seed: 42})
	bus := xl320.NewBus(sim, xl320.BusConfig{ResponseTimeout: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx, sim) }()

	rec := recorder.New(recorder.Config{Enabled: true, Path: filepath.Join(dir, "rec")}, nil)
	srv := New(cfg, bus, Options{Recorder: rec, Registry: metrics.NewRegistry(), Link: sim})
	hs := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		hs.Close()
		cancel()
		_ = sim.Close()
		_ = bus.Close()
		<-done
		rec.Close()
	})
	return &fixture{srv: srv, sim: sim, http: hs, rec: rec, cfg: cfg, path: path}
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, CommandResult) {
	t.Helper()
	resp, err := http.Post(f.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var res CommandResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp, res
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestSetRegister(t *testing.T) {
	f := newFixture(t)

	resp, res := f.post(t, "/api/servos/2/set", `{"register":"led","value":3}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.CommandID)

	led, ok := f.sim.Peek(2, xl320.LED)
	require.True(t, ok)
	assert.Equal(t, uint16(xl320.ColorYellow), led)
}

func TestSetRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		path, body string
		want       int
	}{
		{"/api/servos/1/set", `{"register":"position","value":3}`, http.StatusBadRequest},
		{"/api/servos/1/set", `{"register":"torque","value":300}`, http.StatusBadRequest},
		{"/api/servos/1/set", `{"register":"speed","value":1}`, http.StatusBadRequest},
		{"/api/servos/253/set", `{"register":"led","value":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, res := f.post(t, tt.path, tt.body)
		assert.Equal(t, tt.want, resp.StatusCode, tt.body)
		assert.False(t, res.OK)
		assert.NotEmpty(t, res.Error)
	}
}

func TestBroadcastSet(t *testing.T) {
	f := newFixture(t)
	resp, res := f.post(t, "/api/servos/254/set", `{"register":"led","value":4}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.OK)
	for _, id := range []uint8{1, 2} {
		v, _ := f.sim.Peek(id, xl320.LED)
		assert.Equal(t, uint16(xl320.ColorBlue), v)
	}
}

func TestReadRegister(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/servos/1/read?register=position")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res CommandResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.OK)
	assert.Equal(t, uint16(512), res.Value)

	resp, _ = f.get(t, "/api/servos/1/read?register=moving")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/api/servos/254/read?register=position")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/api/servos/9/read?register=position")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestPollUpdatesSnapshotAndRecorder(t *testing.T) {
	f := newFixture(t)
	f.srv.pollOnce(context.Background())

	snap := f.srv.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "base", snap[0].Name)
	assert.Equal(t, uint16(512), snap[0].Values[xl320.Position])
	assert.Contains(t, snap[1].Values, xl320.Temperature)
	assert.Empty(t, snap[1].Errors)

	resp, body := f.get(t, "/api/servos")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var frame Frame
	require.NoError(t, json.Unmarshal(body, &frame))
	assert.Len(t, frame.Servos, 2)
	assert.True(t, frame.Connected)

	assert.NotEmpty(t, f.rec.Path())
}

func TestWebSocketCommand(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first Frame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Len(t, first.Servos, 2)

	require.NoError(t, conn.WriteJSON(Command{ID: 1, Register: "goal_position", Value: 300}))
	var reply Frame
	require.NoError(t, conn.ReadJSON(&reply))
	require.NotNil(t, reply.Result)
	assert.True(t, reply.Result.OK, reply.Result.Error)
	assert.Equal(t, "goal_position", reply.Result.Register)

	goal, _ := f.sim.Peek(1, xl320.GoalPosition)
	assert.Equal(t, uint16(300), goal)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.ReadJSON(&reply))
	require.NotNil(t, reply.Result)
	assert.False(t, reply.Result.OK)
}

func TestConfigAPIAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"servos"`)

	r, err := http.Post(f.http.URL+"/api/config", "application/json", strings.NewReader(`{"recording":{"enabled":false}}`))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.False(t, f.rec.IsEnabled())

	f.post(t, "/api/servos/1/set", `{"register":"led","value":1}`)
	resp, body = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `xl320_server_commands_total{result="ok",source="http"} 1`)
}

func TestConfigAPIRejectsInvalidUpdate(t *testing.T) {
	f := newFixture(t)

	r, err := http.Post(f.http.URL+"/api/config", "application/json", strings.NewReader(`{"bus":{"type":"can"},"poll":{"hz":50}}`))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	_, err = os.Stat(f.path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoError(t, f.cfg.Validate())
	assert.Equal(t, "demo", f.cfg.Bus.Type)
	assert.Equal(t, 10, f.cfg.Poll.Hz)

	r, err = http.Post(f.http.URL+"/api/config", "application/json", strings.NewReader(`{"poll":{"hz":5}}`))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.FileExists(t, f.path)
}
