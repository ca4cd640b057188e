package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/seantiz/forge/internal/codec"
	"github.com/seantiz/forge/internal/fault"
	"github.com/seantiz/forge/internal/library"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/namespace"
	"github.com/seantiz/forge/internal/wire"
)

func (e *Engine) applyRequest(ctx context.Context, req *request) {
	msg := req.msg
	if len(msg.Buffers) == 0 {
		e.reject(model.ChannelShell, msg, reasonMalformed, errors.New("apply request has no buffers"))
		return
	}

	md := e.InitMetadata()
	out := e.newOutputs(msg)
	start := time.Now()

	result, failure := e.invoke(ctx, msg, out)

	var bufs [][]byte
	if failure == nil {
		var err error
		bufs, err = e.codec.Serialize(result)
		if err != nil {
			failure = fault.FromError(err)
		}
	}
	applyDuration.Observe(time.Since(start).Seconds())

	content := model.ReplyContent{Status: model.StatusOK}
	if failure != nil {
		bufs = nil
		content = failure.Reply(e.engineInfo("apply"))
		e.publishError(msg, content)
		e.logger.Info("apply request failed",
			"msg_id", msg.Header.MsgID,
			"ename", failure.Name,
			"evalue", failure.Value,
			"traceback", strings.Join(failure.Traceback, "\n"),
		)
	}
	FinishMetadata(md, content, failure)

	e.sendReply(ctx, req, replyParams{
		content:  content,
		status:   content,
		metadata: md,
		buffers:  bufs,
		out:      out,
		started:  start,
	})
}

// invoke unpacks and calls the requested callable with its arguments bound
// under temporary names. The bindings are gone when invoke returns, whether
// the call succeeded, failed, or panicked.
func (e *Engine) invoke(ctx context.Context, msg *wire.Message, out *outputs) (result any, failure *fault.Failure) {
	call, err := e.codec.UnpackApply(msg.Buffers, e.ns, e.lib)
	if err != nil {
		if errors.Is(err, codec.ErrMalformed) {
			return nil, fault.New("UnpackError", err.Error())
		}
		return nil, fault.FromError(err)
	}

	scope := e.ns.Bind(namespace.TempPrefix(msg.Header.MsgID), call.Func, call.Args, call.Kwargs)
	defer scope.Release()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			failure = fault.FromPanic(r)
		}
	}()

	v, err := call.Func(&library.Call{
		Ctx:    ctx,
		NS:     e.ns,
		Args:   call.Args,
		Kwargs: call.Kwargs,
		Stdout: out.stdout,
		Stderr: out.stderr,
		PublishData: func(data map[string]any) error {
			return e.publishData(msg, data)
		},
	})
	if err != nil {
		return nil, fault.FromError(err)
	}
	scope.SetResult(v)
	return scope.Result(), nil
}

// publishData sends values from a running callable on the data_pub topic,
// parented to the request that produced them.
func (e *Engine) publishData(parent *wire.Message, data map[string]any) error {
	bufs, err := e.codec.Serialize(data)
	if err != nil {
		return fmt.Errorf("serialize published data: %w", err)
	}
	keys := slices.Sorted(maps.Keys(data))
	if keys == nil {
		keys = []string{}
	}
	e.publishBuffers(parent, model.MsgDataPub, model.DataPubContent{Keys: keys}, bufs)
	return nil
}
