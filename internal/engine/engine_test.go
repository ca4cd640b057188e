package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/forge/internal/codec"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/library"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/wire"
)

var testKey = []byte("engine-test-key")

// recordStream collects every message the engine sends back.
type recordStream struct {
	ch chan *wire.Message
}

func newRecordStream() *recordStream {
	return &recordStream{ch: make(chan *wire.Message, 64)}
}

func (s *recordStream) Send(msg *wire.Message) error {
	s.ch <- msg
	return nil
}

// next waits for the next message sent on the stream.
func (s *recordStream) next(t *testing.T) *wire.Message {
	t.Helper()
	select {
	case msg := <-s.ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

// empty asserts nothing has been sent.
func (s *recordStream) empty(t *testing.T) {
	t.Helper()
	select {
	case msg := <-s.ch:
		t.Fatalf("unexpected %s message", msg.Header.MsgType)
	default:
	}
}

// memRecorder is an in-memory task ledger.
type memRecorder struct {
	mu   sync.Mutex
	recs []*model.TaskRecord
}

func (r *memRecorder) RecordTask(_ context.Context, rec *model.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) all() []*model.TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.TaskRecord(nil), r.recs...)
}

type testEngine struct {
	*engine.Engine
	client  *wire.Session
	codec   *codec.Codec
	shell   *recordStream
	control *recordStream
}

func newTestEngine(t *testing.T, mutate func(*engine.Options)) *testEngine {
	t.Helper()

	lib := library.Builtins()
	lib.Register("boom", func(*library.Call) (any, error) {
		panic("kaboom")
	})

	c := codec.New(codec.DefaultBufferThreshold)
	opts := engine.Options{
		EngineID:    3,
		Session:     wire.NewSession("engine", testKey),
		Codec:       c,
		Library:     lib,
		Logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
		StopOnError: true,
	}
	if mutate != nil {
		mutate(&opts)
	}

	eng := engine.New(opts)
	t.Cleanup(eng.Close)

	return &testEngine{
		Engine:  eng,
		client:  wire.NewSession("client", testKey),
		codec:   c,
		shell:   newRecordStream(),
		control: newRecordStream(),
	}
}

// start runs the execution loop until the test ends.
func (te *testEngine) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		te.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (te *testEngine) apply(t *testing.T, fname string, args []any, kwargs map[string]any) *wire.Message {
	t.Helper()
	bufs, err := te.codec.PackApply(fname, args, kwargs)
	if err != nil {
		t.Fatalf("PackApply: %v", err)
	}
	msg, err := te.client.NewMessage(model.MsgApplyRequest, model.ApplyRequest{}, wire.Options{Buffers: bufs})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	te.Handle(context.Background(), model.ChannelShell, te.shell, msg)
	return msg
}

func (te *testEngine) send(t *testing.T, ch model.Channel, msgType model.MsgType, content any) *wire.Message {
	t.Helper()
	msg, err := te.client.NewMessage(msgType, content, wire.Options{})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	stream := te.shell
	if ch == model.ChannelControl {
		stream = te.control
	}
	te.Handle(context.Background(), ch, stream, msg)
	return msg
}

func (te *testEngine) execute(t *testing.T, code string, extra map[string]any) *wire.Message {
	t.Helper()
	content := map[string]any{"code": code, "silent": false}
	for k, v := range extra {
		content[k] = v
	}
	return te.send(t, model.ChannelShell, model.MsgExecuteRequest, content)
}

func decodeReply(t *testing.T, msg *wire.Message) (model.ReplyContent, model.Metadata) {
	t.Helper()
	var content model.ReplyContent
	if err := msg.DecodeContent(&content); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	var md model.Metadata
	if err := msg.DecodeMetadata(&md); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	return content, md
}

func assertParent(t *testing.T, reply, req *wire.Message, wantType model.MsgType) {
	t.Helper()
	if reply.Header.MsgType != wantType.String() {
		t.Fatalf("reply type = %q, want %q", reply.Header.MsgType, wantType)
	}
	if reply.ParentHeader == nil || reply.ParentHeader.MsgID != req.Header.MsgID {
		t.Fatalf("reply parent = %+v, want msg_id %q", reply.ParentHeader, req.Header.MsgID)
	}
}

// drain returns every event currently buffered on ch.
func drain(ch <-chan engine.Event) []engine.Event {
	var events []engine.Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestApplyAddReturnsResult(t *testing.T) {
	te := newTestEngine(t, nil)
	te.Namespace().Set("x", 1.0)
	before := te.Namespace().Names()
	te.start(t)

	req := te.apply(t, "add", []any{2, 3}, nil)
	reply := te.shell.next(t)
	assertParent(t, reply, req, model.MsgApplyReply)

	content, md := decodeReply(t, reply)
	if content.Status != model.StatusOK {
		t.Fatalf("status = %q, want ok (ename=%q evalue=%q)", content.Status, content.EName, content.EValue)
	}
	if content.EName != "" || content.Traceback != nil {
		t.Errorf("ok reply carries error fields: %+v", content)
	}
	if md.Status != model.StatusOK || !md.DependenciesMet || md.Engine != te.Ident() {
		t.Errorf("metadata = %+v", md)
	}
	if md.Started.IsZero() || md.Started.Location() != time.UTC {
		t.Errorf("metadata started = %v, want UTC timestamp", md.Started)
	}

	v, _, err := te.codec.Deserialize(reply.Buffers)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if v != 5.0 {
		t.Errorf("result = %v, want 5", v)
	}

	if after := te.Namespace().Names(); !slices.Equal(before, after) {
		t.Errorf("namespace changed: before %v, after %v", before, after)
	}
}

func TestApplyFailurePublishesOneError(t *testing.T) {
	te := newTestEngine(t, nil)
	errs, unsub := te.Broker().Subscribe(te.Topic(model.MsgError))
	defer unsub()
	before := te.Namespace().Names()
	te.start(t)

	req := te.apply(t, "raise", []any{"ValueError", "bad"}, nil)
	reply := te.shell.next(t)
	assertParent(t, reply, req, model.MsgApplyReply)

	content, md := decodeReply(t, reply)
	if content.Status != model.StatusError {
		t.Fatalf("status = %q, want error", content.Status)
	}
	if content.EName != "ValueError" || content.EValue != "bad" {
		t.Errorf("ename/evalue = %q/%q, want ValueError/bad", content.EName, content.EValue)
	}
	if len(content.Traceback) == 0 {
		t.Error("traceback is empty")
	}
	if content.EngineInfo == nil || content.EngineInfo.Method != "apply" || content.EngineInfo.EngineID != 3 {
		t.Errorf("engine_info = %+v", content.EngineInfo)
	}
	if md.Status != model.StatusError || !md.DependenciesMet || md.EngineInfo == nil {
		t.Errorf("metadata = %+v", md)
	}
	if len(reply.Buffers) != 0 {
		t.Errorf("error reply carries %d buffers", len(reply.Buffers))
	}

	events := drain(errs)
	if len(events) != 1 {
		t.Fatalf("got %d error notifications, want 1", len(events))
	}
	if events[0].Topic != "engine.3.error" {
		t.Errorf("topic = %q, want engine.3.error", events[0].Topic)
	}
	var published model.ReplyContent
	if err := events[0].Message.DecodeContent(&published); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if published.EName != "ValueError" {
		t.Errorf("notification ename = %q", published.EName)
	}

	if after := te.Namespace().Names(); !slices.Equal(before, after) {
		t.Errorf("namespace changed: before %v, after %v", before, after)
	}
}

func TestApplySuccessPublishesNoError(t *testing.T) {
	te := newTestEngine(t, nil)
	errs, unsub := te.Broker().Subscribe(te.Topic(model.MsgError))
	defer unsub()
	te.start(t)

	te.apply(t, "echo", []any{"hi"}, nil)
	te.shell.next(t)

	if events := drain(errs); len(events) != 0 {
		t.Errorf("got %d error notifications, want 0", len(events))
	}
}

func TestApplyDependenciesMet(t *testing.T) {
	tests := []struct {
		name     string
		fname    string
		args     []any
		wantName string
		wantMet  bool
	}{
		{"unmet dependency", "require", []any{"missing"}, model.UnmetDependencyName, false},
		{"ordinary failure", "raise", []any{"KeyError", "k"}, "KeyError", true},
		{"unknown callable", "nope", nil, "NameError", true},
		{"panic", "boom", nil, "Panic", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t, nil)
			before := te.Namespace().Names()
			te.start(t)

			te.apply(t, tt.fname, tt.args, nil)
			content, md := decodeReply(t, te.shell.next(t))

			if content.Status != model.StatusError {
				t.Fatalf("status = %q, want error", content.Status)
			}
			if content.EName != tt.wantName {
				t.Errorf("ename = %q, want %q", content.EName, tt.wantName)
			}
			if md.DependenciesMet != tt.wantMet {
				t.Errorf("dependencies_met = %v, want %v", md.DependenciesMet, tt.wantMet)
			}
			if after := te.Namespace().Names(); !slices.Equal(before, after) {
				t.Errorf("namespace changed: before %v, after %v", before, after)
			}
		})
	}
}

func TestApplyResolvesNamespaceReference(t *testing.T) {
	te := newTestEngine(t, nil)
	te.Namespace().Set("a", 40.0)
	te.start(t)

	te.apply(t, "add", []any{codec.Ref{Name: "a"}, 2}, nil)
	reply := te.shell.next(t)
	content, _ := decodeReply(t, reply)
	if content.Status != model.StatusOK {
		t.Fatalf("status = %q (%s: %s)", content.Status, content.EName, content.EValue)
	}
	v, _, err := te.codec.Deserialize(reply.Buffers)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if v != 42.0 {
		t.Errorf("result = %v, want 42", v)
	}
}

func TestApplyWithoutBuffersIsDropped(t *testing.T) {
	te := newTestEngine(t, nil)
	te.start(t)

	te.send(t, model.ChannelShell, model.MsgApplyRequest, model.ApplyRequest{})
	kernel := te.send(t, model.ChannelShell, model.MsgKernelInfoRequest, struct{}{})

	reply := te.shell.next(t)
	assertParent(t, reply, kernel, model.MsgKernelInfoReply)
}

func TestApplyStdoutIsPublishedBeforeReply(t *testing.T) {
	te := newTestEngine(t, nil)
	streams, unsub := te.Broker().Subscribe(te.Topic(model.MsgStream))
	defer unsub()
	te.start(t)

	te.apply(t, "print", []any{"hello", 1}, nil)
	te.shell.next(t)

	events := drain(streams)
	if len(events) != 1 {
		t.Fatalf("got %d stream messages, want 1", len(events))
	}
	var sc model.StreamContent
	if err := events[0].Message.DecodeContent(&sc); err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if sc.Name != "stdout" || sc.Text != "hello 1\n" {
		t.Errorf("stream = %+v", sc)
	}
}

func TestApplyPublishesDataWhileRunning(t *testing.T) {
	te := newTestEngine(t, nil)
	data, unsub := te.Broker().Subscribe(te.Topic(model.MsgDataPub))
	defer unsub()
	te.start(t)

	req := te.apply(t, "publish_data", nil, map[string]any{"step": 3, "loss": 0.5})
	reply := te.shell.next(t)
	assertParent(t, reply, req, model.MsgApplyReply)
	if c, _ := decodeReply(t, reply); c.Status != model.StatusOK {
		t.Fatalf("status = %q, want ok", c.Status)
	}

	events := drain(data)
	if len(events) != 1 {
		t.Fatalf("got %d data_pub messages, want 1", len(events))
	}
	ev := events[0]
	if ev.Topic != "engine.3.data_pub" || ev.Message.Header.MsgType != model.MsgDataPub.String() {
		t.Errorf("event = %s %s", ev.Topic, ev.Message.Header.MsgType)
	}
	if ev.Message.ParentHeader == nil || ev.Message.ParentHeader.MsgID != req.Header.MsgID {
		t.Errorf("data_pub parent = %+v, want %s", ev.Message.ParentHeader, req.Header.MsgID)
	}

	var dc model.DataPubContent
	if err := ev.Message.DecodeContent(&dc); err != nil {
		t.Fatalf("decode data_pub: %v", err)
	}
	if !slices.Equal(dc.Keys, []string{"loss", "step"}) {
		t.Errorf("keys = %v", dc.Keys)
	}
	v, _, err := te.codec.Deserialize(ev.Message.Buffers)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["step"] != 3.0 || m["loss"] != 0.5 {
		t.Errorf("published data = %v", v)
	}
}

func TestAbortedIDIsRejectedWithoutExecuting(t *testing.T) {
	te := newTestEngine(t, nil)

	first := te.apply(t, "push", nil, map[string]any{"ran": true})
	second := te.apply(t, "add", []any{1, 1}, nil)

	te.send(t, model.ChannelControl, model.MsgAbortRequest, map[string]any{
		"msg_ids": []string{first.Header.MsgID},
	})
	abortReply := te.control.next(t)
	if c, _ := decodeReply(t, abortReply); c.Status != model.StatusOK {
		t.Fatalf("abort reply status = %q", c.Status)
	}
	if !te.Aborted().Contains(first.Header.MsgID) || te.Aborted().Contains(second.Header.MsgID) {
		t.Fatal("abort registry does not hold exactly the requested id")
	}

	te.start(t)

	r1 := te.shell.next(t)
	assertParent(t, r1, first, model.MsgApplyReply)
	c1, md1 := decodeReply(t, r1)
	if c1.Status != model.StatusAborted || md1.Status != model.StatusAborted {
		t.Errorf("first reply status = %q, metadata %q, want aborted", c1.Status, md1.Status)
	}

	r2 := te.shell.next(t)
	assertParent(t, r2, second, model.MsgApplyReply)
	if c2, _ := decodeReply(t, r2); c2.Status != model.StatusOK {
		t.Errorf("second reply status = %q, want ok", c2.Status)
	}

	if _, ok := te.Namespace().Get("ran"); ok {
		t.Error("aborted request was executed")
	}
}

func TestAbortWithoutIDsAbortsQueued(t *testing.T) {
	tests := []struct {
		name    string
		content any
	}{
		{"empty list", map[string]any{"msg_ids": []string{}}},
		{"absent field", map[string]any{}},
		{"null", map[string]any{"msg_ids": nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t, nil)
			a := te.apply(t, "add", []any{1, 2}, nil)
			b := te.execute(t, "1 + 1", nil)

			te.send(t, model.ChannelControl, model.MsgAbortRequest, tt.content)
			if c, _ := decodeReply(t, te.control.next(t)); c.Status != model.StatusOK {
				t.Fatalf("abort reply status = %q", c.Status)
			}

			te.start(t)

			ra := te.shell.next(t)
			assertParent(t, ra, a, model.MsgApplyReply)
			if c, _ := decodeReply(t, ra); c.Status != model.StatusAborted {
				t.Errorf("apply status = %q, want aborted", c.Status)
			}
			rb := te.shell.next(t)
			assertParent(t, rb, b, model.MsgExecuteReply)
			if c, _ := decodeReply(t, rb); c.Status != model.StatusAborted {
				t.Errorf("execute status = %q, want aborted", c.Status)
			}
			if te.ExecutionCount() != 0 {
				t.Errorf("execution count = %d, want 0", te.ExecutionCount())
			}
		})
	}
}

func TestAbortSingleIDString(t *testing.T) {
	te := newTestEngine(t, nil)
	te.send(t, model.ChannelControl, model.MsgAbortRequest, map[string]any{"msg_ids": "m-1"})
	te.control.next(t)

	if !te.Aborted().Contains("m-1") || te.Aborted().Len() != 1 {
		t.Errorf("registry = %d ids, want only m-1", te.Aborted().Len())
	}
}

func TestAbortNumericIDsAreStringified(t *testing.T) {
	te := newTestEngine(t, nil)
	te.send(t, model.ChannelControl, model.MsgAbortRequest, map[string]any{"msg_ids": []any{1, 2}})
	reply := te.control.next(t)
	if reply.Header.MsgType != model.MsgAbortReply {
		t.Fatalf("reply type = %s, want abort_reply", reply.Header.MsgType)
	}

	for _, id := range []string{"1", "2"} {
		if !te.Aborted().Contains(id) {
			t.Errorf("registry missing %q", id)
		}
	}
}

func TestAbortMalformedIsDropped(t *testing.T) {
	te := newTestEngine(t, nil)
	te.send(t, model.ChannelControl, model.MsgAbortRequest, map[string]any{"msg_ids": 42})

	te.control.empty(t)
	if te.Aborted().Len() != 0 {
		t.Errorf("registry has %d ids, want 0", te.Aborted().Len())
	}
}

func TestClearTwice(t *testing.T) {
	te := newTestEngine(t, nil)
	te.Namespace().Set("a", 1)
	te.Namespace().Set("b", "two")

	for i := range 2 {
		te.send(t, model.ChannelControl, model.MsgClearRequest, model.ClearRequest{})
		reply := te.control.next(t)
		if reply.Header.MsgType != model.MsgClearReply.String() {
			t.Fatalf("clear %d: reply type %q", i, reply.Header.MsgType)
		}
		if c, _ := decodeReply(t, reply); c.Status != model.StatusOK {
			t.Errorf("clear %d: status = %q, want ok", i, c.Status)
		}
		if n := te.Namespace().Len(); n != 0 {
			t.Errorf("clear %d: namespace has %d names", i, n)
		}
	}
}

func TestExecuteReply(t *testing.T) {
	te := newTestEngine(t, nil)
	results, unsub := te.Broker().Subscribe(te.Topic(model.MsgExecuteResult))
	defer unsub()
	inputs, unsub2 := te.Broker().Subscribe(te.Topic(model.MsgExecuteInput))
	defer unsub2()
	te.start(t)

	req := te.execute(t, "x = 2\nx * 3", map[string]any{
		"user_expressions": map[string]string{"double": "x * 2"},
	})
	reply := te.shell.next(t)
	assertParent(t, reply, req, model.MsgExecuteReply)

	var content model.ExecuteReply
	if err := reply.DecodeContent(&content); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if content.Status != model.StatusOK {
		t.Fatalf("status = %q (%s: %s)", content.Status, content.EName, content.EValue)
	}
	if content.ExecutionCount != 1 {
		t.Errorf("execution_count = %d, want 1", content.ExecutionCount)
	}
	if content.Payload == nil || len(content.Payload) != 0 {
		t.Errorf("payload = %v, want empty list", content.Payload)
	}
	if got := content.UserExpressions["double"].Data["text/plain"]; got != "4" {
		t.Errorf("user expression double = %q, want 4", got)
	}
	if v, ok := te.Namespace().Get("x"); !ok || v != 2 {
		t.Errorf("x = %v, %v", v, ok)
	}

	var md map[string]any
	if err := json.Unmarshal(reply.Metadata, &md); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if md["status"] != "ok" {
		t.Errorf("metadata status = %v", md["status"])
	}

	res := drain(results)
	if len(res) != 1 {
		t.Fatalf("got %d execute_result messages, want 1", len(res))
	}
	var rc model.ExecuteResultContent
	if err := res[0].Message.DecodeContent(&rc); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if rc.Data["text/plain"] != "6" {
		t.Errorf("execute_result = %v, want 6", rc.Data)
	}
	if in := drain(inputs); len(in) != 1 {
		t.Errorf("got %d execute_input messages, want 1", len(in))
	}
}

func TestExecuteStoresHistory(t *testing.T) {
	te := newTestEngine(t, nil)
	te.start(t)

	te.execute(t, "1 + 1", nil)
	te.shell.next(t)
	te.execute(t, "2 + 2", map[string]any{"store_history": false})
	te.shell.next(t)
	te.execute(t, "3 + 3", map[string]any{"silent": true})
	te.shell.next(t)

	if got := te.History(); !slices.Equal(got, []string{"1 + 1"}) {
		t.Errorf("history = %v, want [1 + 1]", got)
	}
}

func TestExecuteSilentPublishesNothing(t *testing.T) {
	te := newTestEngine(t, nil)
	all, unsub := te.Broker().Subscribe(te.Topic(model.MsgExecuteResult))
	defer unsub()
	te.start(t)

	te.execute(t, "1 + 1", map[string]any{"silent": true})
	te.shell.next(t)

	if events := drain(all); len(events) != 0 {
		t.Errorf("silent execute published %d results", len(events))
	}
	if te.ExecutionCount() != 0 {
		t.Errorf("execution count = %d, want 0", te.ExecutionCount())
	}
}

func TestExecuteStopOnError(t *testing.T) {
	tests := []struct {
		name       string
		extra      map[string]any
		wantSecond model.Status
	}{
		{"default stops", nil, model.StatusAborted},
		{"explicit false continues", map[string]any{"stop_on_error": false}, model.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t, nil)
			errs, unsub := te.Broker().Subscribe(te.Topic(model.MsgError))
			defer unsub()

			first := te.execute(t, "y = undefined_name", tt.extra)
			second := te.execute(t, "1 + 1", nil)
			te.start(t)

			r1 := te.shell.next(t)
			assertParent(t, r1, first, model.MsgExecuteReply)
			c1, md1 := decodeReply(t, r1)
			if c1.Status != model.StatusError || c1.EName != "NameError" {
				t.Errorf("first reply = %q %q, want error NameError", c1.Status, c1.EName)
			}
			if md1.EngineInfo == nil || md1.EngineInfo.Method != "execute" {
				t.Errorf("metadata engine_info = %+v", md1.EngineInfo)
			}

			r2 := te.shell.next(t)
			assertParent(t, r2, second, model.MsgExecuteReply)
			if c2, _ := decodeReply(t, r2); c2.Status != tt.wantSecond {
				t.Errorf("second reply status = %q, want %q", c2.Status, tt.wantSecond)
			}

			if n := len(drain(errs)); n != 1 {
				t.Errorf("got %d error notifications, want 1", n)
			}
		})
	}
}

func TestExecuteMalformedIsDropped(t *testing.T) {
	tests := []struct {
		name    string
		content any
	}{
		{"missing silent", map[string]any{"code": "1"}},
		{"missing code", map[string]any{"silent": false}},
		{"wrong type", map[string]any{"code": 7, "silent": false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t, nil)
			te.start(t)

			te.send(t, model.ChannelShell, model.MsgExecuteRequest, tt.content)
			kernel := te.send(t, model.ChannelShell, model.MsgKernelInfoRequest, struct{}{})

			assertParent(t, te.shell.next(t), kernel, model.MsgKernelInfoReply)
		})
	}
}

func TestKernelInfo(t *testing.T) {
	te := newTestEngine(t, func(o *engine.Options) {
		o.Ident = "ident-1"
		o.Version = "1.2.3"
	})
	te.start(t)

	te.send(t, model.ChannelShell, model.MsgKernelInfoRequest, struct{}{})
	var info model.KernelInfoReply
	if err := te.shell.next(t).DecodeContent(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}

	want := model.KernelInfoReply{
		Status:                model.StatusOK,
		ProtocolVersion:       wire.ProtocolVersion,
		Implementation:        engine.Implementation,
		ImplementationVersion: "1.2.3",
		EngineUUID:            "ident-1",
		EngineID:              3,
	}
	if info != want {
		t.Errorf("kernel info = %+v, want %+v", info, want)
	}
}

func TestStatusBusyIdle(t *testing.T) {
	te := newTestEngine(t, nil)
	status, unsub := te.Broker().Subscribe(te.Topic(model.MsgStatus))
	defer unsub()
	te.start(t)

	te.apply(t, "echo", []any{1}, nil)
	te.shell.next(t)

	// The idle message is published after the reply is sent.
	deadline := time.After(5 * time.Second)
	var states []string
	for len(states) < 2 {
		select {
		case ev := <-status:
			var sc model.StatusContent
			if err := ev.Message.DecodeContent(&sc); err != nil {
				t.Fatalf("decode status: %v", err)
			}
			states = append(states, sc.ExecutionState)
		case <-deadline:
			t.Fatalf("timed out, states = %v", states)
		}
	}
	if !slices.Equal(states, []string{model.ExecutionStateBusy, model.ExecutionStateIdle}) {
		t.Errorf("states = %v, want [busy idle]", states)
	}
}

func TestHandleRejectsUnroutableMessages(t *testing.T) {
	tests := []struct {
		name    string
		channel model.Channel
		msgType string
	}{
		{"unknown type", model.ChannelShell, "bogus_request"},
		{"reply type", model.ChannelShell, "apply_reply"},
		{"control on shell", model.ChannelShell, "abort_request"},
		{"shell on control", model.ChannelControl, "apply_request"},
		{"execute on control", model.ChannelControl, "execute_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t, nil)
			msg := &wire.Message{
				Header:  wire.Header{MsgID: model.NewID(), MsgType: tt.msgType},
				Content: json.RawMessage(`{}`),
			}
			if err := te.client.Sign(msg); err != nil {
				t.Fatalf("Sign: %v", err)
			}

			te.Handle(context.Background(), tt.channel, te.control, msg)

			if te.QueueLen() != 0 {
				t.Errorf("queue length = %d, want 0", te.QueueLen())
			}
			te.control.empty(t)
		})
	}
}

func TestHandleRejectsBadSignature(t *testing.T) {
	te := newTestEngine(t, nil)
	forged := wire.NewSession("mallory", []byte("wrong-key"))
	msg, err := forged.NewMessage(model.MsgClearRequest, model.ClearRequest{}, wire.Options{})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	te.Namespace().Set("keep", true)

	te.Handle(context.Background(), model.ChannelControl, te.control, msg)

	te.control.empty(t)
	if te.Namespace().Len() != 1 {
		t.Error("forged clear_request was executed")
	}
}

func TestTasksAreRecorded(t *testing.T) {
	rec := &memRecorder{}
	te := newTestEngine(t, func(o *engine.Options) { o.Recorder = rec })
	te.start(t)

	ok := te.apply(t, "add", []any{2, 3}, nil)
	te.shell.next(t)
	failed := te.apply(t, "require", []any{"gpu"}, nil)
	te.shell.next(t)
	te.send(t, model.ChannelShell, model.MsgKernelInfoRequest, struct{}{})
	te.shell.next(t)

	recs := rec.all()
	if len(recs) != 2 {
		t.Fatalf("got %d task records, want 2", len(recs))
	}
	if recs[0].MsgID != ok.Header.MsgID || recs[0].Status != model.StatusOK || recs[0].ResultBytes == 0 {
		t.Errorf("first record = %+v", recs[0])
	}
	if recs[1].MsgID != failed.Header.MsgID || recs[1].DependenciesMet || recs[1].EName != model.UnmetDependencyName {
		t.Errorf("second record = %+v", recs[1])
	}
	if recs[1].CompletedAt == nil || recs[1].Engine != te.Ident() {
		t.Errorf("second record = %+v", recs[1])
	}
}

// reactiveStream submits one follow-up execute request as soon as it sees a
// failed execute reply, the way a client resubmits after an error.
type reactiveStream struct {
	*recordStream
	te       *testEngine
	t        *testing.T
	once     sync.Once
	followUp chan *wire.Message
}

func (s *reactiveStream) Send(msg *wire.Message) error {
	if msg.Header.MsgType == model.MsgExecuteReply.String() {
		var c model.ReplyContent
		if err := msg.DecodeContent(&c); err == nil && c.Status == model.StatusError {
			s.once.Do(func() {
				next, err := s.te.client.NewMessage(model.MsgExecuteRequest,
					map[string]any{"code": "1 + 1", "silent": false}, wire.Options{})
				if err != nil {
					s.t.Errorf("NewMessage: %v", err)
					return
				}
				s.te.Handle(context.Background(), model.ChannelShell, s, next)
				s.followUp <- next
			})
		}
	}
	return s.recordStream.Send(msg)
}

func TestStopOnErrorSparesWorkSubmittedAfterReply(t *testing.T) {
	te := newTestEngine(t, nil)
	stream := &reactiveStream{
		recordStream: newRecordStream(),
		te:           te,
		t:            t,
		followUp:     make(chan *wire.Message, 1),
	}

	failing, err := te.client.NewMessage(model.MsgExecuteRequest,
		map[string]any{"code": "y = undefined_name", "silent": false}, wire.Options{})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	te.Handle(context.Background(), model.ChannelShell, stream, failing)
	te.start(t)

	r1 := stream.next(t)
	assertParent(t, r1, failing, model.MsgExecuteReply)
	if c, _ := decodeReply(t, r1); c.Status != model.StatusError {
		t.Fatalf("first reply status = %q, want error", c.Status)
	}

	var next *wire.Message
	select {
	case next = <-stream.followUp:
	case <-time.After(5 * time.Second):
		t.Fatal("follow-up request was never submitted")
	}

	r2 := stream.next(t)
	assertParent(t, r2, next, model.MsgExecuteReply)
	if c, _ := decodeReply(t, r2); c.Status != model.StatusOK {
		t.Errorf("follow-up status = %q, want ok", c.Status)
	}
	if te.Aborted().Contains(next.Header.MsgID) {
		t.Error("follow-up request was marked aborted")
	}
}

func TestClearDuringInFlightApply(t *testing.T) {
	te := newTestEngine(t, nil)
	te.Namespace().Set("x", 1.0)
	status, unsub := te.Broker().Subscribe(te.Topic(model.MsgStatus))
	defer unsub()
	te.start(t)

	req := te.apply(t, "sleep", []any{0.2}, nil)
	select {
	case <-status:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never went busy")
	}

	te.send(t, model.ChannelControl, model.MsgClearRequest, model.ClearRequest{})
	clearReply := te.control.next(t)
	if c, _ := decodeReply(t, clearReply); c.Status != model.StatusOK {
		t.Fatalf("clear reply status = %q, want ok", c.Status)
	}
	if n := te.Namespace().Len(); n != 0 {
		t.Errorf("namespace holds %d names after clear, want 0", n)
	}

	reply := te.shell.next(t)
	assertParent(t, reply, req, model.MsgApplyReply)
	if c, _ := decodeReply(t, reply); c.Status != model.StatusOK {
		t.Fatalf("apply status = %q, want ok", c.Status)
	}
	v, _, err := te.codec.Deserialize(reply.Buffers)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if v != 0.2 {
		t.Errorf("result = %v, want 0.2", v)
	}
	if n := te.Namespace().Len(); n != 0 {
		t.Errorf("namespace holds %d names after the apply finished, want 0", n)
	}
}
