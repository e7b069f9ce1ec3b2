package agent

import (
	"errors"
	"net/http"
	"time"

	"github.com/inlogic/gateway/gateway/structs"
)

// DataRequest serves the full snapshot: every driver record with its tags.
// `driver` narrows to one device, `ids` to a comma-separated tag set.
func (s *HTTPServer) DataRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var records map[string]*structs.DriverRecord
	if driverID := req.URL.Query().Get("driver"); driverID != "" {
		rec := s.agent.store.Get(driverID)
		if rec == nil {
			return nil, CodedError(404, structs.ErrUnknownDriver.Error())
		}
		records = map[string]*structs.DriverRecord{driverID: rec}
	} else {
		records = s.agent.store.List()
	}

	if filter := parseTagFilter(req.URL.Query().Get("ids")); filter != nil {
		for _, rec := range records {
			for id := range rec.Tags {
				if !filter[id] {
					delete(rec.Tags, id)
				}
			}
		}
	}

	return map[string]any{
		"timestamp": time.Now(),
		"drivers":   records,
	}, nil
}

type writeRequest struct {
	TagID string `json:"tag_id"`
	Value any    `json:"valor"`
}

type writeResponse struct {
	Success bool   `json:"sucesso"`
	Message string `json:"mensagem"`
	Command string `json:"id_comando,omitempty"`
}

// WriteRequest accepts one tag write and routes it to the owning runner.
func (s *HTTPServer) WriteRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var body writeRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if body.TagID == "" {
		return nil, CodedError(400, "missing tag_id")
	}

	cmd, err := s.agent.fabric.Enqueue(body.TagID, body.Value)
	if err != nil {
		return nil, writeError(err)
	}

	return &writeResponse{
		Success: true,
		Message: "write accepted",
		Command: cmd.ID,
	}, nil
}

type batchWriteRequest struct {
	DriverID string         `json:"driver_id"`
	Values   map[string]any `json:"valores"`
	RowID    any            `json:"row_id,omitempty"`
}

// BatchWriteRequest accepts a multi-column write for a SQL device.
func (s *HTTPServer) BatchWriteRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var body batchWriteRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if body.DriverID == "" {
		return nil, CodedError(400, "missing driver_id")
	}
	if len(body.Values) == 0 {
		return nil, CodedError(400, "missing valores")
	}

	cmd, err := s.agent.fabric.EnqueueBatch(body.DriverID, body.Values, body.RowID)
	if err != nil {
		return nil, writeError(err)
	}

	return &writeResponse{
		Success: true,
		Message: "batch accepted",
		Command: cmd.ID,
	}, nil
}

// writeError maps routing failures onto HTTP status codes.
func writeError(err error) error {
	var policy *structs.PolicyError
	switch {
	case errors.Is(err, structs.ErrUnknownTag), errors.Is(err, structs.ErrUnknownDriver):
		return CodedError(404, err.Error())
	case errors.Is(err, structs.ErrNotWritable):
		return CodedError(403, err.Error())
	case errors.Is(err, structs.ErrQueueFull):
		return CodedError(503, err.Error())
	case errors.As(err, &policy):
		return CodedError(403, err.Error())
	case structs.KindOf(err) == structs.ErrKindCoercion:
		return CodedError(400, err.Error())
	}
	return CodedError(400, err.Error())
}
