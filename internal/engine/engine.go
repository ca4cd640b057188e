package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/forge/internal/codec"
	"github.com/seantiz/forge/internal/interp"
	"github.com/seantiz/forge/internal/library"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/namespace"
	"github.com/seantiz/forge/internal/wire"
)

// Implementation is the name reported in kernel_info replies.
const Implementation = "forge"

// Stream is the return path of one inbound connection. Replies are sent on
// the stream the request arrived on.
type Stream interface {
	Send(msg *wire.Message) error
}

// TaskRecorder persists a summary of every replied execution request.
type TaskRecorder interface {
	RecordTask(ctx context.Context, rec *model.TaskRecord) error
}

// Options configures an Engine. Session, Codec, Library and Logger are
// required; a nil Namespace or Recorder gets a fresh namespace and no ledger.
type Options struct {
	EngineID  int
	Ident     string
	Version   string
	Session   *wire.Session
	Codec     *codec.Codec
	Library   *library.Library
	Namespace *namespace.Namespace
	Recorder  TaskRecorder
	Logger    *slog.Logger

	// StopOnError is applied to execute requests that omit stop_on_error.
	StopOnError bool
}

// Engine runs shell requests one at a time on the goroutine that calls Run
// and serves control requests on whichever goroutine calls Handle.
type Engine struct {
	id          int
	ident       string
	version     string
	session     *wire.Session
	codec       *codec.Codec
	lib         *library.Library
	ns          *namespace.Namespace
	interp      *interp.Interpreter
	recorder    TaskRecorder
	logger      *slog.Logger
	stopOnError bool

	queue   *shellQueue
	aborted *AbortRegistry
	broker  *Broker
}

// New creates an engine.
func New(opts Options) *Engine {
	ns := opts.Namespace
	if ns == nil {
		ns = namespace.New()
	}
	ident := opts.Ident
	if ident == "" {
		ident = model.NewIdent()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Engine{
		id:          opts.EngineID,
		ident:       ident,
		version:     version,
		session:     opts.Session,
		codec:       opts.Codec,
		lib:         opts.Library,
		ns:          ns,
		interp:      interp.New(ns),
		recorder:    opts.Recorder,
		logger:      opts.Logger,
		stopOnError: opts.StopOnError,
		queue:       newShellQueue(),
		aborted:     NewAbortRegistry(),
		broker:      NewBroker(),
	}
}

// ID returns the engine's integer id.
func (e *Engine) ID() int { return e.id }

// Ident returns the engine's identity token.
func (e *Engine) Ident() string { return e.ident }

// Version returns the implementation version reported in kernel_info.
func (e *Engine) Version() string { return e.version }

// Namespace returns the shared namespace.
func (e *Engine) Namespace() *namespace.Namespace { return e.ns }

// Broker returns the side-channel broker.
func (e *Engine) Broker() *Broker { return e.broker }

// Aborted returns the abort registry.
func (e *Engine) Aborted() *AbortRegistry { return e.aborted }

// Library returns the callable library.
func (e *Engine) Library() *library.Library { return e.lib }

// QueueLen reports how many shell requests are waiting.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// ExecutionCount returns the interpreter's execution counter.
func (e *Engine) ExecutionCount() int { return e.interp.ExecutionCount() }

// History returns the code of every execute request run with store_history.
func (e *Engine) History() []string { return e.interp.History() }

// Codec returns the codec used for apply requests and results.
func (e *Engine) Codec() *codec.Codec { return e.codec }

// Topic returns the side-channel topic for messages of type t.
func (e *Engine) Topic(t model.MsgType) string {
	return fmt.Sprintf("engine.%d.%s", e.id, t)
}

// Handle accepts one inbound message from channel ch. Control messages are
// answered before Handle returns; shell messages are queued for Run.
// Messages that fail verification or routing are logged and dropped.
func (e *Engine) Handle(ctx context.Context, ch model.Channel, stream Stream, msg *wire.Message) {
	if err := e.session.Verify(msg); err != nil {
		e.reject(ch, msg, reasonSignature, err)
		return
	}

	t, err := model.ParseMsgType(msg.Header.MsgType)
	if err != nil {
		e.reject(ch, msg, reasonUnknownType, err)
		return
	}
	if msg.Header.MsgID == "" {
		e.reject(ch, msg, reasonMalformed, errors.New("missing msg_id"))
		return
	}

	handler, ok := handlerFor(ch, t)
	if !ok {
		e.reject(ch, msg, reasonWrongChan, fmt.Errorf("%s is not accepted on the %s channel", t, ch))
		return
	}

	req := &request{stream: stream, msg: msg, msgType: t, received: time.Now()}
	if ch == model.ChannelControl {
		handler(e, ctx, req)
		return
	}
	e.queue.Push(req)
}

// Run executes queued shell requests until ctx is cancelled. Only one
// goroutine may call Run.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started", "engine_id", e.id, "ident", e.ident)
	for {
		req, err := e.queue.Pop(ctx)
		if err != nil {
			e.logger.Info("engine stopped", "engine_id", e.id)
			return nil
		}
		e.runShell(ctx, req)
	}
}

// Close shuts down the side-channel broker.
func (e *Engine) Close() {
	e.broker.Close()
}

func (e *Engine) runShell(ctx context.Context, req *request) {
	handler, _ := handlerFor(model.ChannelShell, req.msgType)

	e.publish(req.msg, model.MsgStatus, model.StatusContent{ExecutionState: model.ExecutionStateBusy})
	defer e.publish(req.msg, model.MsgStatus, model.StatusContent{ExecutionState: model.ExecutionStateIdle})

	if e.aborted.Contains(req.msg.Header.MsgID) {
		e.abortedReply(ctx, req)
		return
	}
	handler(e, ctx, req)
	namespaceSize.Set(float64(e.ns.Len()))
}

func (e *Engine) reject(ch model.Channel, msg *wire.Message, reason string, err error) {
	rejectedMessagesTotal.WithLabelValues(ch.String(), reason).Inc()
	e.logger.Error("dropping message",
		"channel", ch.String(),
		"msg_id", msg.Header.MsgID,
		"msg_type", msg.Header.MsgType,
		"reason", reason,
		"error", err,
	)
}

func (e *Engine) engineInfo(method string) *model.EngineInfo {
	return &model.EngineInfo{EngineUUID: e.ident, EngineID: e.id, Method: method}
}

// publish sends a side-channel message whose identity frame is its topic.
func (e *Engine) publish(parent *wire.Message, t model.MsgType, content any) {
	e.publishBuffers(parent, t, content, nil)
}

func (e *Engine) publishBuffers(parent *wire.Message, t model.MsgType, content any, bufs [][]byte) {
	topic := e.Topic(t)
	msg, err := e.session.NewMessage(t, content, wire.Options{
		Parent:     parent,
		Buffers:    bufs,
		Identities: [][]byte{[]byte(topic)},
	})
	if err != nil {
		e.logger.Error("build side-channel message", "msg_type", t.String(), "error", err)
		return
	}
	e.broker.Publish(topic, msg)
}

func (e *Engine) publishError(parent *wire.Message, content model.ReplyContent) {
	errorNotificationsTotal.Inc()
	e.publish(parent, model.MsgError, content)
}
