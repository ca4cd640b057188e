package api

import (
	"net/http"
)

// healthResponse reports liveness plus enough engine identity for a
// controller to confirm it reached the worker it expected.
type healthResponse struct {
	Status     string `json:"status"`
	EngineID   int    `json:"engine_id"`
	EngineUUID string `json:"engine_uuid"`
	QueueDepth int    `json:"queue_depth"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		EngineID:   s.engine.ID(),
		EngineUUID: s.engine.Ident(),
		QueueDepth: s.engine.QueueLen(),
	})
}
