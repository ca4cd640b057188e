package model

import "fmt"

// MsgType is the closed set of message kinds the engine understands.
type MsgType uint8

// Message types. MsgUnknown is never valid on the wire.
const (
	MsgUnknown MsgType = iota
	MsgExecuteRequest
	MsgExecuteReply
	MsgApplyRequest
	MsgApplyReply
	MsgKernelInfoRequest
	MsgKernelInfoReply
	MsgAbortRequest
	MsgAbortReply
	MsgClearRequest
	MsgClearReply
	MsgStatus
	MsgStream
	MsgError
	MsgExecuteInput
	MsgExecuteResult
	MsgDataPub
)

var msgTypeNames = [...]string{
	MsgUnknown:           "unknown",
	MsgExecuteRequest:    "execute_request",
	MsgExecuteReply:      "execute_reply",
	MsgApplyRequest:      "apply_request",
	MsgApplyReply:        "apply_reply",
	MsgKernelInfoRequest: "kernel_info_request",
	MsgKernelInfoReply:   "kernel_info_reply",
	MsgAbortRequest:      "abort_request",
	MsgAbortReply:        "abort_reply",
	MsgClearRequest:      "clear_request",
	MsgClearReply:        "clear_reply",
	MsgStatus:            "status",
	MsgStream:            "stream",
	MsgError:             "error",
	MsgExecuteInput:      "execute_input",
	MsgExecuteResult:     "execute_result",
	MsgDataPub:           "data_pub",
}

var msgTypesByName = func() map[string]MsgType {
	m := make(map[string]MsgType, len(msgTypeNames))
	for i, name := range msgTypeNames {
		if MsgType(i) == MsgUnknown {
			continue
		}
		m[name] = MsgType(i)
	}
	return m
}()

// ParseMsgType maps a wire name to its MsgType.
func ParseMsgType(s string) (MsgType, error) {
	t, ok := msgTypesByName[s]
	if !ok {
		return MsgUnknown, fmt.Errorf("unknown message type %q", s)
	}
	return t, nil
}

func (t MsgType) String() string {
	if int(t) < len(msgTypeNames) {
		return msgTypeNames[t]
	}
	return fmt.Sprintf("MsgType(%d)", uint8(t))
}

// ReplyType returns the reply kind paired with a request kind.
func (t MsgType) ReplyType() (MsgType, bool) {
	switch t {
	case MsgExecuteRequest:
		return MsgExecuteReply, true
	case MsgApplyRequest:
		return MsgApplyReply, true
	case MsgKernelInfoRequest:
		return MsgKernelInfoReply, true
	case MsgAbortRequest:
		return MsgAbortReply, true
	case MsgClearRequest:
		return MsgClearReply, true
	default:
		return MsgUnknown, false
	}
}

// Channel identifies which inbound path a message arrived on.
type Channel uint8

const (
	ChannelShell Channel = iota
	ChannelControl
)

func (c Channel) String() string {
	switch c {
	case ChannelShell:
		return "shell"
	case ChannelControl:
		return "control"
	default:
		return fmt.Sprintf("Channel(%d)", uint8(c))
	}
}

// Status is the outcome carried in reply content and metadata.
type Status string

// Reply statuses. StatusAborted is only used for requests rejected by the
// abort registry; executed requests are always ok or error.
const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
)

// Execution states published on the status topic.
const (
	ExecutionStateBusy = "busy"
	ExecutionStateIdle = "idle"
)
