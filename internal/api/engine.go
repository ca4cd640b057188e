package api

import (
	"net/http"

	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/wire"
)

// engineResponse is the JSON response for GET /v1/engine.
type engineResponse struct {
	EngineID        int      `json:"engine_id"`
	EngineUUID      string   `json:"engine_uuid"`
	Implementation  string   `json:"implementation"`
	Version         string   `json:"version"`
	ProtocolVersion string   `json:"protocol_version"`
	ExecutionCount  int      `json:"execution_count"`
	QueueDepth      int      `json:"queue_depth"`
	AbortedIDs      int      `json:"aborted_ids"`
	NamespaceSize   int      `json:"namespace_size"`
	Callables       []string `json:"callables"`
	History         []string `json:"history"`
	BufferThreshold int      `json:"buffer_threshold"`
	ItemThreshold   int      `json:"item_threshold"`
}

// namespaceResponse is the JSON response for GET /v1/namespace.
type namespaceResponse struct {
	Names []string `json:"names"`
	Size  int      `json:"size"`
}

func (s *Server) handleGetEngine(w http.ResponseWriter, _ *http.Request) {
	eng := s.engine
	s.writeJSON(w, http.StatusOK, engineResponse{
		EngineID:        eng.ID(),
		EngineUUID:      eng.Ident(),
		Implementation:  engine.Implementation,
		Version:         eng.Version(),
		ProtocolVersion: wire.ProtocolVersion,
		ExecutionCount:  eng.ExecutionCount(),
		QueueDepth:      eng.QueueLen(),
		AbortedIDs:      eng.Aborted().Len(),
		NamespaceSize:   eng.Namespace().Len(),
		Callables:       eng.Library().Names(),
		History:         eng.History(),
		BufferThreshold: eng.Codec().BufferThreshold(),
		ItemThreshold:   eng.Codec().ItemThreshold(),
	})
}

func (s *Server) handleGetNamespace(w http.ResponseWriter, _ *http.Request) {
	names := s.engine.Namespace().Names()
	s.writeJSON(w, http.StatusOK, namespaceResponse{Names: names, Size: len(names)})
}
