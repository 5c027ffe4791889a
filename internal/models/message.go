// Package models defines the message model shared by the scheduler, the canisters and the certification layer.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/starford/lightic/internal/cycles"
	"github.com/starford/lightic/internal/principal"
)

// CallType is the kind of entry point a message runs. The values are the
// short codes used by the replica's message log.
type CallType string

const (
	CallInit           CallType = "I"
	CallPreUpgrade     CallType = "G"
	CallUpdate         CallType = "U"
	CallQuery          CallType = "Q"
	CallReplyCallback  CallType = "Ry"
	CallRejectCallback CallType = "Rt"
	CallCleanup        CallType = "C"
	CallStart          CallType = "s"
	CallInspectMessage CallType = "F"
	CallSystemTask     CallType = "T"
)

// IsCallback reports whether t delivers the outcome of an inter-canister call.
func (t CallType) IsCallback() bool {
	return t == CallReplyCallback || t == CallRejectCallback
}

// CallSource tells where a message originated.
type CallSource int

const (
	SourceIngress CallSource = iota
	SourceInterCanister
	SourceXNet
	SourceInternal
)

var sourceNames = [...]string{"ingress", "inter_canister", "xnet", "internal"}

func (s CallSource) String() string {
	if int(s) < len(sourceNames) {
		return sourceNames[s]
	}
	return fmt.Sprintf("source(%d)", int(s))
}

func (s CallSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CallStatus is the processing state of a message.
type CallStatus int

const (
	StatusNew CallStatus = iota
	StatusProcessing
	StatusOk
	StatusError
)

var statusNames = [...]string{"new", "processing", "ok", "error"}

func (s CallStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s CallStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RejectionCode classifies an Error outcome.
type RejectionCode int

const (
	RejectNone RejectionCode = iota
	RejectSysFatal
	RejectSysTransient
	RejectDestinationInvalid
	RejectCanisterReject
	RejectCanisterError
	RejectUnknown
)

var rejectNames = [...]string{
	"no_error", "sys_fatal", "sys_transient", "destination_invalid", "canister_reject", "canister_error", "unknown",
}

func (c RejectionCode) String() string {
	if c >= 0 && int(c) < len(rejectNames) {
		return rejectNames[c]
	}
	return fmt.Sprintf("reject(%d)", int(c))
}

// ErrInvalidTransition is returned when a status change would break the
// New -> Processing -> Ok|Error lifecycle.
var ErrInvalidTransition = errors.New("models: invalid status transition")

// Message is one request/response unit. Once it reaches Ok or Error it is
// never mutated again.
type Message struct {
	ID     string     `json:"id"`
	Type   CallType   `json:"type"`
	Source CallSource `json:"source"`

	Target principal.Principal `json:"target"`
	Sender principal.Principal `json:"sender"`

	Method           string        `json:"method"`
	Args             []byte        `json:"args,omitempty"`
	Result           []byte        `json:"result,omitempty"`
	RejectionCode    RejectionCode `json:"rejection_code"`
	RejectionMessage string        `json:"rejection_message,omitempty"`

	Cycles cycles.Amount `json:"cycles"`
	Status CallStatus    `json:"status"`

	// Callback handles supplied by the calling module (table index + env).
	ReplyFun   uint32 `json:"-"`
	ReplyEnv   uint32 `json:"-"`
	RejectFun  uint32 `json:"-"`
	RejectEnv  uint32 `json:"-"`
	CleanupFun uint32 `json:"-"`
	CleanupEnv uint32 `json:"-"`
	HasCleanup bool   `json:"-"`

	// ReplyContext is the id of the message whose execution made this call.
	ReplyContext string `json:"reply_context,omitempty"`
	// RelatedMessages lists the ids of the calls this message spawned.
	RelatedMessages []string `json:"related_messages,omitempty"`
	// Origin is, for callbacks, the id of the inter-canister call being answered.
	Origin string `json:"origin,omitempty"`
	// CalleeReject is the code the callee rejected with, set on reject callbacks.
	CalleeReject RejectionCode `json:"callee_reject,omitempty"`

	Nonce       []byte    `json:"nonce,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// CandidInterfaceMethod is the hidden query that returns a module's interface description.
const CandidInterfaceMethod = "__get_candid_interface_tmp_hack"

// emptyArgs is the Candid encoding of an empty argument list.
var emptyArgs = []byte("DIDL\x00\x00")

func newMessage(t CallType, src CallSource, target, sender principal.Principal, method string, args []byte) *Message {
	return &Message{
		Type:      t,
		Source:    src,
		Target:    target,
		Sender:    sender,
		Method:    method,
		Args:      args,
		CreatedAt: time.Now(),
	}
}

// NewInit builds the message that runs canister_init.
func NewInit(target, sender principal.Principal, args []byte) *Message {
	return newMessage(CallInit, SourceInternal, target, sender, "canister_init", args)
}

// NewCandidQuery builds the hidden query used to recover a module's interface text.
func NewCandidQuery(target principal.Principal) *Message {
	return newMessage(CallQuery, SourceInternal, target, principal.Anonymous, CandidInterfaceMethod, emptyArgs)
}

// NewQuery builds an externally signed query.
func NewQuery(target, sender principal.Principal, method string, args []byte) *Message {
	return newMessage(CallQuery, SourceIngress, target, sender, method, args)
}

// NewUpdate builds an externally signed update call.
func NewUpdate(target, sender principal.Principal, method string, args []byte) *Message {
	return newMessage(CallUpdate, SourceIngress, target, sender, method, args)
}

// NewSystem builds an internal lifecycle message such as canister_pre_upgrade.
func NewSystem(t CallType, target principal.Principal, method string, args []byte) *Message {
	return newMessage(t, SourceInternal, target, principal.Management, method, args)
}

// NewInspect builds the inspect_message check for an ingress update. It
// carries the inspected method name and arguments.
func NewInspect(update *Message) *Message {
	return newMessage(CallInspectMessage, SourceInternal, update.Target, update.Sender, update.Method, update.Args)
}

// NewCall starts an outbound inter-canister call made while processing replyContext.
func NewCall(sender, target principal.Principal, method, replyContext string, replyFun, replyEnv, rejectFun, rejectEnv uint32) *Message {
	m := newMessage(CallUpdate, SourceInterCanister, target, sender, method, nil)
	m.ReplyContext = replyContext
	m.ReplyFun, m.ReplyEnv = replyFun, replyEnv
	m.RejectFun, m.RejectEnv = rejectFun, rejectEnv
	return m
}

// NewCallback answers a terminal inter-canister call. The callback is
// addressed to the calling canister and carries the reply payload, or the
// rejection message and code.
func NewCallback(call *Message) *Message {
	t := CallReplyCallback
	var payload []byte
	if call.Status == StatusError {
		t = CallRejectCallback
		payload = []byte(call.RejectionMessage)
	} else {
		payload = call.Result
	}
	m := newMessage(t, SourceInternal, call.Sender, call.Target, call.Method, payload)
	m.ReplyContext = call.ReplyContext
	m.ReplyFun, m.ReplyEnv = call.ReplyFun, call.ReplyEnv
	m.RejectFun, m.RejectEnv = call.RejectFun, call.RejectEnv
	m.CleanupFun, m.CleanupEnv, m.HasCleanup = call.CleanupFun, call.CleanupEnv, call.HasCleanup
	m.Origin = call.ID
	m.CalleeReject = call.RejectionCode
	m.Cycles = call.Cycles
	return m
}

// ExportName maps the message to the export-table key of its entry point.
func (m *Message) ExportName() string {
	switch m.Type {
	case CallUpdate:
		return "canister_update " + m.Method
	case CallQuery:
		return "canister_query " + m.Method
	case CallInit:
		return "canister_init"
	case CallInspectMessage:
		return "canister_inspect_message"
	default:
		return m.Method
	}
}

// Terminal reports whether the message reached Ok or Error.
func (m *Message) Terminal() bool {
	return m.Status == StatusOk || m.Status == StatusError
}

// Begin moves a New message to Processing.
func (m *Message) Begin() error {
	if m.Status != StatusNew {
		return fmt.Errorf("%w: %s %s -> processing", ErrInvalidTransition, m.ID, m.Status)
	}
	m.Status = StatusProcessing
	return nil
}

// Reply completes the message with a result.
func (m *Message) Reply(result []byte) error {
	if m.Status != StatusProcessing {
		return fmt.Errorf("%w: %s %s -> ok", ErrInvalidTransition, m.ID, m.Status)
	}
	m.Status = StatusOk
	m.Result = result
	m.CompletedAt = time.Now()
	return nil
}

// Reject completes the message with an error.
func (m *Message) Reject(code RejectionCode, text string) error {
	if m.Status != StatusProcessing {
		return fmt.Errorf("%w: %s %s -> error", ErrInvalidTransition, m.ID, m.Status)
	}
	m.Status = StatusError
	m.Result = nil
	m.RejectionCode = code
	m.RejectionMessage = text
	m.CompletedAt = time.Now()
	return nil
}

// Fail ends a message that may not have started yet, for example one
// addressed to an unknown canister.
func (m *Message) Fail(code RejectionCode, text string) error {
	if m.Status == StatusNew {
		m.Status = StatusProcessing
	}
	return m.Reject(code, text)
}

// Complete marks a lifecycle message (init, upgrade hooks, cleanup) done.
func (m *Message) Complete() error {
	return m.Reply(nil)
}
