package agent

import "net/http"

// IAStatusRequest summarizes the cognitive layer.
func (s *HTTPServer) IAStatusRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if s.agent.brain == nil {
		return nil, CodedError(404, "cognitive layer not enabled")
	}
	return s.agent.brain.Status(), nil
}

// IAMetricsRequest exposes the per-tag learning statistics.
func (s *HTTPServer) IAMetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if s.agent.brain == nil {
		return nil, CodedError(404, "cognitive layer not enabled")
	}
	return s.agent.brain.Metrics(), nil
}

// IAKnowledgeRequest dumps the full knowledge base.
func (s *HTTPServer) IAKnowledgeRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if s.agent.brain == nil {
		return nil, CodedError(404, "cognitive layer not enabled")
	}
	return s.agent.brain.Knowledge(), nil
}
