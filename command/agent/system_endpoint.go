package agent

import (
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/inlogic/gateway/version"
)

// HealthRequest is the liveness and aggregate-status probe.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	drivers, connected, tags, good := s.agent.store.Counts()
	status := "ok"
	if connected < drivers {
		status = "degraded"
	}

	out := map[string]any{
		"status":             status,
		"versao":             version.GetVersion().VersionNumber(),
		"uptime_s":           s.agent.Uptime().Seconds(),
		"reinicios":          s.agent.Restarts(),
		"drivers_total":      drivers,
		"drivers_conectados": connected,
		"tags_total":         tags,
		"tags_boas":          good,
		"timestamp":          time.Now(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			out["cpu_percentual"] = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			out["memoria_rss_bytes"] = mem.RSS
		}
	}
	return out, nil
}

// MetricsRequest dumps the in-memory telemetry sink.
func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if s.agent.inmemSink == nil {
		return nil, CodedError(404, "telemetry not enabled")
	}
	return s.agent.inmemSink.DisplayMetrics(resp, req)
}

// RestartRequest schedules a configuration reload and worker rebuild. The
// response does not wait for the rebuild; poll /api/health for progress.
func (s *HTTPServer) RestartRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	go func() {
		if err := s.agent.Restart(); err != nil {
			s.logger.Error("restart failed", "error", err)
		}
	}()

	return map[string]any{
		"sucesso":  true,
		"mensagem": "restart scheduled",
	}, nil
}
