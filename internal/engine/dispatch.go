package engine

import (
	"context"

	"github.com/seantiz/forge/internal/model"
)

type handlerFunc func(e *Engine, ctx context.Context, req *request)

// handlerFor routes a message type arriving on ch. The second result is
// false for types that are not accepted on that channel.
func handlerFor(ch model.Channel, t model.MsgType) (handlerFunc, bool) {
	switch ch {
	case model.ChannelShell:
		switch t {
		case model.MsgExecuteRequest:
			return (*Engine).executeRequest, true
		case model.MsgApplyRequest:
			return (*Engine).applyRequest, true
		case model.MsgKernelInfoRequest:
			return (*Engine).kernelInfoRequest, true
		}
	case model.ChannelControl:
		switch t {
		case model.MsgAbortRequest:
			return (*Engine).abortRequest, true
		case model.MsgClearRequest:
			return (*Engine).clearRequest, true
		}
	}
	return nil, false
}
