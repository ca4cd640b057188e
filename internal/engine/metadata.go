package engine

import (
	"time"

	"github.com/seantiz/forge/internal/fault"
	"github.com/seantiz/forge/internal/model"
)

// InitMetadata starts the metadata record for a request.
func (e *Engine) InitMetadata() *model.Metadata {
	return &model.Metadata{
		Started:         time.Now().UTC(),
		DependenciesMet: true,
		Engine:          e.ident,
	}
}

// FinishMetadata records the outcome of a request. On error, failure decides
// dependencies_met and the reply's engine_info is copied over.
func FinishMetadata(md *model.Metadata, reply model.ReplyContent, failure *fault.Failure) {
	md.Status = reply.Status
	if reply.Status != model.StatusError {
		return
	}
	md.EngineInfo = reply.EngineInfo
	md.DependenciesMet = failure == nil || failure.Kind != fault.KindUnmetDependency
}
