package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/inlogic/gateway/ci"
	"github.com/inlogic/gateway/driver"
	"github.com/inlogic/gateway/gateway/structs"
	"github.com/inlogic/gateway/helper/testlog"
	"github.com/inlogic/gateway/logbus"
	"github.com/inlogic/gateway/testutil"
)

// fakeSession serves scripted values for the HTTP tests.
type fakeSession struct {
	mu     sync.Mutex
	values map[string]any
	writes map[string]any
}

func (f *fakeSession) Read(ctx context.Context, addrs []string) ([]driver.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]driver.ReadResult, len(addrs))
	for i, addr := range addrs {
		out[i] = driver.ReadResult{Value: f.values[addr]}
	}
	return out, nil
}

func (f *fakeSession) Write(ctx context.Context, addr string, value any, kind structs.DataKind) (*driver.WriteReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[addr] = value
	f.values[addr] = value
	return &driver.WriteReceipt{}, nil
}

func (f *fakeSession) Alive() bool  { return true }
func (f *fakeSession) Close() error { return nil }

const testProtocol = structs.Protocol("fake-http")

func init() {
	driver.Register(testProtocol, func(ctx context.Context, dev *structs.DeviceConfig, tags []*structs.TagConfig, logger hclog.Logger) (driver.Session, error) {
		return &fakeSession{
			values: map[string]any{"a1": int64(7), "a2": 2.5},
			writes: map[string]any{},
		}, nil
	})
}

const testDoc = `{
  "projetos": [
    {
      "nome": "Teste",
      "drivers": [
        {"id": "dev1", "nome": "Fake", "tipo": "fake-http",
         "config": {"scan_interval": 10, "timeout": 100, "retry_count": 2}}
      ],
      "tags": [
        {"id": "t1", "id_driver": "dev1", "nome": "Temp", "endereco": "a1",
         "tipo_dado": "int", "escrita_permitida": true,
         "restricoes": {"valor_minimo": 0, "valor_maximo": 100}},
        {"id": "t2", "id_driver": "dev1", "nome": "Vazao", "endereco": "a2", "tipo_dado": "float"}
      ]
    }
  ]
}`

func testAgentHTTP(t *testing.T) (*Agent, string) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(testDoc), 0o644))

	conf := DefaultConfig()
	conf.ConfigPath = configPath
	conf.BindAddr = "127.0.0.1"
	conf.Port = 0
	conf.LogDir = ""
	conf.DataDir = filepath.Join(dir, "data")
	conf.Console = false

	bus, err := logbus.New(100, "", nil)
	require.NoError(t, err)

	a, err := NewAgent(conf, bus, testlog.HCLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Shutdown()
		bus.Close()
	})

	base := "http://" + a.httpServer.Addr

	// Wait for the fake device to come up before poking endpoints.
	testutil.WaitForResult(func() (bool, error) {
		rec := a.store.Get("dev1")
		return rec != nil && rec.Status == structs.StateConnected && len(rec.Tags) == 2,
			fmt.Errorf("device not ready")
	}, func(err error) { t.Fatal(err) })

	return a, base
}

func getJSON(t *testing.T, url string, out any) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHTTP_Data(t *testing.T) {
	ci.Parallel(t)
	_, base := testAgentHTTP(t)

	var out struct {
		Drivers map[string]*structs.DriverRecord `json:"drivers"`
	}
	code := getJSON(t, base+"/api/dados", &out)
	must.Eq(t, 200, code)
	require.Contains(t, out.Drivers, "dev1")

	rec := out.Drivers["dev1"]
	must.Eq(t, structs.StateConnected, rec.Status)
	must.MapLen(t, 2, rec.Tags)
	must.Eq(t, structs.QualityGood, rec.Tags["t1"].Quality)

	// Tag filter narrows the result.
	code = getJSON(t, base+"/api/dados?ids=t2", &out)
	must.Eq(t, 200, code)
	must.MapLen(t, 1, out.Drivers["dev1"].Tags)

	// Unknown driver filter is a 404.
	code = getJSON(t, base+"/api/dados?driver=ghost", nil)
	must.Eq(t, 404, code)
}

func TestHTTP_Write(t *testing.T) {
	ci.Parallel(t)
	a, base := testAgentHTTP(t)

	var out writeResponse
	code := postJSON(t, base+"/api/escrever", map[string]any{"tag_id": "t1", "valor": "42"}, &out)
	must.Eq(t, 200, code)
	must.True(t, out.Success)
	must.NotEq(t, "", out.Command)

	testutil.WaitForResult(func() (bool, error) {
		return a.store.Get("dev1").Tags["t1"].Value == int64(42),
			fmt.Errorf("write not visible in snapshot")
	}, func(err error) { t.Fatal(err) })
}

func TestHTTP_WriteRejections(t *testing.T) {
	ci.Parallel(t)
	_, base := testAgentHTTP(t)

	// Unknown tag.
	code := postJSON(t, base+"/api/escrever", map[string]any{"tag_id": "ghost", "valor": 1}, nil)
	must.Eq(t, 404, code)

	// Read-only tag.
	code = postJSON(t, base+"/api/escrever", map[string]any{"tag_id": "t2", "valor": 1.5}, nil)
	must.Eq(t, 403, code)

	// Out-of-bounds value is stopped by the policy gate.
	var out map[string]any
	code = postJSON(t, base+"/api/escrever", map[string]any{"tag_id": "t1", "valor": 500}, &out)
	must.Eq(t, 403, code)
	must.Eq(t, "error", out["status"])
	must.StrContains(t, out["message"].(string), "above maximum")

	// Unparseable value for the declared kind.
	code = postJSON(t, base+"/api/escrever", map[string]any{"tag_id": "t1", "valor": "abc"}, nil)
	must.Eq(t, 400, code)

	// Missing tag_id.
	code = postJSON(t, base+"/api/escrever", map[string]any{"valor": 1}, nil)
	must.Eq(t, 400, code)

	// Wrong method.
	code = getJSON(t, base+"/api/escrever", nil)
	must.Eq(t, 405, code)
}

func TestHTTP_BatchWriteRequiresSQL(t *testing.T) {
	ci.Parallel(t)
	_, base := testAgentHTTP(t)

	var out map[string]any
	code := postJSON(t, base+"/api/escrever_lote",
		map[string]any{"driver_id": "dev1", "valores": map[string]any{"a1": 1}}, &out)
	must.Eq(t, 400, code)
	must.StrContains(t, out["message"].(string), "sql")

	code = postJSON(t, base+"/api/escrever_lote", map[string]any{"driver_id": "dev1"}, nil)
	must.Eq(t, 400, code)

	code = postJSON(t, base+"/api/escrever_lote",
		map[string]any{"driver_id": "ghost", "valores": map[string]any{"a": 1}}, nil)
	must.Eq(t, 404, code)
}

func TestHTTP_Health(t *testing.T) {
	ci.Parallel(t)
	_, base := testAgentHTTP(t)

	var out map[string]any
	code := getJSON(t, base+"/api/health", &out)
	must.Eq(t, 200, code)
	must.Eq(t, "ok", out["status"])
	must.Eq(t, 1.0, out["drivers_total"])
	must.Eq(t, 1.0, out["drivers_conectados"])
	require.NotEmpty(t, out["versao"])
}

func TestHTTP_Logs(t *testing.T) {
	ci.Parallel(t)
	a, base := testAgentHTTP(t)

	a.bus.Log(logbus.LevelError, "test", "first", nil)
	a.bus.Log(logbus.LevelInfo, "test", "second", nil)

	var out struct {
		Total int              `json:"total"`
		Logs  []*logbus.Record `json:"logs"`
	}
	code := getJSON(t, base+"/api/logs?limit=50", &out)
	must.Eq(t, 200, code)
	require.NotEmpty(t, out.Logs)

	code = getJSON(t, base+"/api/logs?level=ERROR", &out)
	must.Eq(t, 200, code)
	for _, rec := range out.Logs {
		must.Eq(t, logbus.LevelError, rec.Level)
	}

	code = getJSON(t, base+"/api/logs?limit=banana", nil)
	must.Eq(t, 400, code)
}

func TestHTTP_LogStream(t *testing.T) {
	ci.Parallel(t)
	a, base := testAgentHTTP(t)

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/api/logs/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	a.bus.Log(logbus.LevelWarn, "stream-test", "live record", nil)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var rec logbus.Record
		require.NoError(t, conn.ReadJSON(&rec))
		if rec.Message == "live record" {
			must.Eq(t, logbus.LevelWarn, rec.Level)
			must.Eq(t, "stream-test", rec.Source)
			return
		}
	}
}

func TestHTTP_IAEndpoints(t *testing.T) {
	ci.Parallel(t)
	_, base := testAgentHTTP(t)

	var status map[string]any
	code := getJSON(t, base+"/api/ia/status", &status)
	must.Eq(t, 200, code)
	must.Eq(t, true, status["ativo"])

	var metricsOut map[string]any
	code = getJSON(t, base+"/api/ia/metricas", &metricsOut)
	must.Eq(t, 200, code)
	require.Contains(t, metricsOut, "tags")

	var knowledge map[string]any
	code = getJSON(t, base+"/api/ia/conhecimento", &knowledge)
	must.Eq(t, 200, code)
	require.Contains(t, knowledge, "drivers")
}

func TestHTTP_Restart(t *testing.T) {
	ci.Parallel(t)
	a, base := testAgentHTTP(t)

	code := getJSON(t, base+"/api/system/restart", nil)
	must.Eq(t, 405, code)

	var out map[string]any
	code = postJSON(t, base+"/api/system/restart", nil, &out)
	must.Eq(t, 200, code)
	must.Eq(t, true, out["sucesso"])

	// The restart is asynchronous: the rebuilt runner reconnects and
	// repopulates the snapshot shortly after the response.
	testutil.WaitForResult(func() (bool, error) {
		if a.Restarts() != 1 {
			return false, fmt.Errorf("restart not applied")
		}
		rec := a.store.Get("dev1")
		return rec != nil && rec.Status == structs.StateConnected,
			fmt.Errorf("device did not come back")
	}, func(err error) { t.Fatal(err) })
}

func TestHTTP_Metrics(t *testing.T) {
	ci.Parallel(t)
	_, base := testAgentHTTP(t)

	code := getJSON(t, base+"/api/metrics", nil)
	must.Eq(t, 200, code)
}
