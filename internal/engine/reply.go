package engine

import (
	"context"
	"time"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/wire"
)

// replyParams is everything sendReply needs besides the request.
type replyParams struct {
	content  any
	status   model.ReplyContent
	metadata *model.Metadata
	buffers  [][]byte
	out      *outputs
	started  time.Time
}

// sendReply flushes the request's output streams, sends the reply on the
// request's stream, and records the outcome.
func (e *Engine) sendReply(ctx context.Context, req *request, p replyParams) {
	p.out.flush()

	replyType, _ := req.msgType.ReplyType()
	opts := wire.Options{Parent: req.msg, Buffers: p.buffers}
	if p.metadata != nil {
		opts.Metadata = p.metadata
	}
	msg, err := e.session.NewMessage(replyType, p.content, opts)
	if err != nil {
		e.logger.Error("build reply", "msg_id", req.msg.Header.MsgID, "msg_type", replyType.String(), "error", err)
		return
	}
	if err := req.stream.Send(msg); err != nil {
		e.logger.Error("send reply", "msg_id", req.msg.Header.MsgID, "msg_type", replyType.String(), "error", err)
	}

	if req.msgType != model.MsgExecuteRequest && req.msgType != model.MsgApplyRequest {
		return
	}
	requestsTotal.WithLabelValues(req.msgType.String(), string(p.status.Status)).Inc()
	e.record(ctx, req, p)
}

func (e *Engine) record(ctx context.Context, req *request, p replyParams) {
	if e.recorder == nil {
		return
	}

	completed := time.Now().UTC()
	started := p.started
	if started.IsZero() {
		started = req.received
	}
	rec := &model.TaskRecord{
		MsgID:           req.msg.Header.MsgID,
		MsgType:         req.msgType.String(),
		Status:          p.status.Status,
		EName:           p.status.EName,
		EValue:          p.status.EValue,
		DependenciesMet: true,
		Engine:          e.ident,
		DurationMS:      int(completed.Sub(started).Milliseconds()),
		StartedAt:       started.UTC(),
		CompletedAt:     &completed,
	}
	if p.metadata != nil {
		rec.DependenciesMet = p.metadata.DependenciesMet
	}
	for _, b := range p.buffers {
		rec.ResultBytes += len(b)
	}

	if err := e.recorder.RecordTask(ctx, rec); err != nil {
		e.logger.Warn("record task", "msg_id", rec.MsgID, "error", err)
	}
}

// abortedReply answers a request found in the abort registry without
// running it.
func (e *Engine) abortedReply(ctx context.Context, req *request) {
	content := model.ReplyContent{Status: model.StatusAborted}
	md := e.InitMetadata()
	md.Status = model.StatusAborted

	e.logger.Info("aborting request", "msg_id", req.msg.Header.MsgID, "msg_type", req.msgType.String())
	e.sendReply(ctx, req, replyParams{content: content, status: content, metadata: md})
}
