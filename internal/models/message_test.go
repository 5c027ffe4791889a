package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/lightic/internal/cycles"
	"github.com/starford/lightic/internal/principal"
)

func TestExportName(t *testing.T) {
	target := principal.CanisterID(1)
	cases := []struct {
		msg  *Message
		want string
	}{
		{NewUpdate(target, principal.Anonymous, "greet", nil), "canister_update greet"},
		{NewQuery(target, principal.Anonymous, "greet", nil), "canister_query greet"},
		{NewInit(target, principal.Anonymous, nil), "canister_init"},
		{NewSystem(CallPreUpgrade, target, "canister_pre_upgrade", nil), "canister_pre_upgrade"},
		{NewCandidQuery(target), "canister_query " + CandidInterfaceMethod},
		{NewInspect(NewUpdate(target, principal.Anonymous, "greet", nil)), "canister_inspect_message"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.msg.ExportName())
	}
}

func TestLifecycleTransitionsOnce(t *testing.T) {
	m := NewUpdate(principal.CanisterID(1), principal.Anonymous, "f", nil)
	require.ErrorIs(t, m.Reply([]byte("x")), ErrInvalidTransition)

	require.NoError(t, m.Begin())
	require.ErrorIs(t, m.Begin(), ErrInvalidTransition)
	require.NoError(t, m.Reply([]byte("x")))
	assert.True(t, m.Terminal())

	require.ErrorIs(t, m.Reply(nil), ErrInvalidTransition)
	require.ErrorIs(t, m.Reject(RejectCanisterError, "late"), ErrInvalidTransition)
	assert.Equal(t, StatusOk, m.Status)
	assert.Equal(t, []byte("x"), m.Result)
	assert.Empty(t, m.RejectionMessage)
}

func TestFailBeforeStart(t *testing.T) {
	m := NewUpdate(principal.CanisterID(9), principal.Anonymous, "f", nil)
	require.NoError(t, m.Fail(RejectDestinationInvalid, "no such canister"))
	assert.Equal(t, StatusError, m.Status)
	assert.Equal(t, RejectDestinationInvalid, m.RejectionCode)
	require.ErrorIs(t, m.Fail(RejectCanisterError, "again"), ErrInvalidTransition)

	init := NewInit(principal.CanisterID(1), principal.Anonymous, nil)
	require.NoError(t, init.Begin())
	require.NoError(t, init.Complete())
	assert.Equal(t, StatusOk, init.Status)
	assert.Nil(t, init.Result)
}

func TestCallbackFromCall(t *testing.T) {
	a, b := principal.CanisterID(1), principal.CanisterID(2)
	call := NewCall(a, b, "echo", "7", 1, 10, 2, 20)
	call.ID = "8"
	call.Cycles = cycles.New(50)
	require.NoError(t, call.Begin())
	require.NoError(t, call.Reply([]byte("hi")))

	cb := NewCallback(call)
	assert.Equal(t, CallReplyCallback, cb.Type)
	assert.Equal(t, a, cb.Target)
	assert.Equal(t, b, cb.Sender)
	assert.Equal(t, "7", cb.ReplyContext)
	assert.Equal(t, "8", cb.Origin)
	assert.Equal(t, []byte("hi"), cb.Args)
	assert.Equal(t, uint32(1), cb.ReplyFun)
	assert.Equal(t, uint32(20), cb.RejectEnv)
	assert.Equal(t, cycles.New(50), cb.Cycles)

	failed := NewCall(a, b, "echo", "7", 1, 10, 2, 20)
	require.NoError(t, failed.Begin())
	require.NoError(t, failed.Reject(RejectDestinationInvalid, "gone"))
	cb = NewCallback(failed)
	assert.Equal(t, CallRejectCallback, cb.Type)
	assert.Equal(t, RejectDestinationInvalid, cb.CalleeReject)
	assert.Equal(t, []byte("gone"), cb.Args)
}

func TestMessageJSON(t *testing.T) {
	m := NewUpdate(principal.CanisterID(1), principal.Anonymous, "f", nil)
	m.ID = "1"
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "new", out["status"])
	assert.Equal(t, "ingress", out["source"])
	assert.Equal(t, "rrkah-fqaaa-aaaaa-aaaaq-cai", out["target"])
	assert.Equal(t, "1", out["id"])
}
