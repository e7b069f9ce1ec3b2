package agent

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inlogic/gateway/logbus"
)

var logStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The studio UI runs on another origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// LogsRequest queries the in-memory log ring. Supported parameters:
// limit (record count), since (RFC3339 timestamp), level (minimum filter).
func (s *HTTPServer) LogsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	query := req.URL.Query()

	limit := 100
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, CodedError(400, "invalid limit")
		}
		limit = n
	}

	var records []*logbus.Record
	if raw := query.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, CodedError(400, "invalid since timestamp, want RFC3339")
		}
		records = s.agent.bus.Since(ts)
		if limit > 0 && len(records) > limit {
			records = records[len(records)-limit:]
		}
	} else {
		records = s.agent.bus.Recent(limit)
	}

	if level := strings.ToUpper(query.Get("level")); level != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Level == level {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	return map[string]any{
		"total": len(records),
		"logs":  records,
	}, nil
}

// LogStreamRequest upgrades to a websocket and pushes live log records. The
// connection closes when the client goes away or the agent shuts down.
func (s *HTTPServer) LogStreamRequest(resp http.ResponseWriter, req *http.Request) {
	conn, err := logStreamUpgrader.Upgrade(resp, req, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	records, cancel := s.agent.bus.Subscribe(64)
	defer cancel()

	// Reader goroutine: the client never sends data, but we must consume
	// control frames to notice a dropped peer.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-s.agent.shutdownCh:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-clientGone:
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
	}
}
