package engine

import (
	"context"
	"fmt"

	"github.com/seantiz/forge/internal/model"
)

// abortRequest marks the listed ids as aborted. An empty or absent list
// aborts everything currently queued.
func (e *Engine) abortRequest(ctx context.Context, req *request) {
	var content model.AbortRequest
	if err := req.msg.DecodeContent(&content); err != nil {
		e.reject(model.ChannelControl, req.msg, reasonMalformed, fmt.Errorf("decode abort request: %w", err))
		return
	}

	if len(content.MsgIDs.IDs) == 0 {
		e.abortQueued("abort_request", "msg_ids_present", content.MsgIDs.Present)
	} else {
		added := e.aborted.Add(content.MsgIDs.IDs...)
		e.logger.Info("aborting requests", "msg_ids", content.MsgIDs.IDs, "new", added)
	}

	ok := model.ReplyContent{Status: model.StatusOK}
	e.sendReply(ctx, req, replyParams{content: ok, status: ok})
}

// clearRequest drops every name from the shared namespace.
func (e *Engine) clearRequest(ctx context.Context, req *request) {
	e.ns.Reset()
	namespaceSize.Set(0)
	e.logger.Info("namespace cleared", "msg_id", req.msg.Header.MsgID)

	ok := model.ReplyContent{Status: model.StatusOK}
	e.sendReply(ctx, req, replyParams{content: ok, status: ok})
}

// abortQueued adds every queued request to the abort registry. attrs are
// appended to the log line.
func (e *Engine) abortQueued(reason string, attrs ...any) {
	ids := e.queue.AbortAll(e.aborted)
	if len(ids) == 0 {
		return
	}
	e.logger.Info("aborting queued requests", append([]any{"reason", reason, "count", len(ids)}, attrs...)...)
}
