package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/forge/internal/interp"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/wire"
)

func (e *Engine) executeRequest(ctx context.Context, req *request) {
	msg := req.msg
	var content model.ExecuteRequest
	if err := msg.DecodeContent(&content); err != nil {
		e.reject(model.ChannelShell, msg, reasonMalformed, fmt.Errorf("decode execute request: %w", err))
		return
	}
	if content.Code == nil || content.Silent == nil {
		e.reject(model.ChannelShell, msg, reasonMalformed, errors.New("execute request requires code and silent"))
		return
	}

	code, silent := *content.Code, *content.Silent
	storeHistory := !silent
	if content.StoreHistory != nil {
		storeHistory = *content.StoreHistory
	}
	stopOnError := e.stopOnError
	if content.StopOnError != nil {
		stopOnError = *content.StopOnError
	}

	md := e.InitMetadata()
	start := time.Now()
	count := e.interp.BeginExecution(silent)
	if !silent {
		e.publish(msg, model.MsgExecuteInput, model.ExecuteInputContent{Code: code, ExecutionCount: count})
	}

	out := e.newOutputs(msg)
	res := e.interp.Execute(code, count, storeHistory, content.UserExpressions, out.stdout)

	if res.HasValue && !silent {
		e.publish(msg, model.MsgExecuteResult, model.ExecuteResultContent{
			ExecutionCount: res.ExecutionCount,
			Data:           interp.MimeBundle(res.Value),
			Metadata:       map[string]any{},
		})
	}

	reply := model.ExecuteReply{
		ReplyContent:    model.ReplyContent{Status: model.StatusOK},
		ExecutionCount:  res.ExecutionCount,
		UserExpressions: res.UserExpressions,
		Payload:         []any{},
	}
	if res.Failure != nil {
		reply.ReplyContent = res.Failure.Reply(e.engineInfo("execute"))
		e.publishError(msg, reply.ReplyContent)
		e.logger.Info("execute request failed",
			"msg_id", msg.Header.MsgID,
			"ename", res.Failure.Name,
			"evalue", res.Failure.Value,
		)
	}
	FinishMetadata(md, reply.ReplyContent, res.Failure)

	// Purge before replying: work submitted in reaction to the reply must run.
	if !silent && res.Failure != nil && stopOnError {
		e.abortQueued("stop_on_error")
	}

	e.sendReply(ctx, req, replyParams{
		content:  reply,
		status:   reply.ReplyContent,
		metadata: md,
		out:      out,
		started:  start,
	})
}

func (e *Engine) kernelInfoRequest(ctx context.Context, req *request) {
	content := model.KernelInfoReply{
		Status:                model.StatusOK,
		ProtocolVersion:       wire.ProtocolVersion,
		Implementation:        Implementation,
		ImplementationVersion: e.version,
		EngineUUID:            e.ident,
		EngineID:              e.id,
	}
	e.sendReply(ctx, req, replyParams{
		content: content,
		status:  model.ReplyContent{Status: model.StatusOK},
	})
}
