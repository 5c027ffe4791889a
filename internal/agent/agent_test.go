package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/canister"
	"github.com/starford/lightic/internal/certification"
	"github.com/starford/lightic/internal/modstore"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
	"github.com/starford/lightic/internal/replica"
	"github.com/starford/lightic/internal/testutil"
)

var alice = principal.FromBytes([]byte{0xab, 0xcd, 0x01})

func setup(t *testing.T) (*replica.Replica, *canister.WasmCanister) {
	t.Helper()
	signer, err := certification.NewSigner(nil)
	require.NoError(t, err)
	r, err := replica.New(replica.Config{}, certification.NewCertifier(signer), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	c, err := r.CreateCanister(replica.CreateOptions{})
	require.NoError(t, err)
	mod, err := modstore.New(testutil.Counter())
	require.NoError(t, err)
	require.NoError(t, r.InstallCanister(context.Background(), c.ID(), mod, canister.InstallOptions{}))
	return r, c
}

func TestCallAndWait(t *testing.T) {
	r, c := setup(t)
	a := New(r, alice)
	ctx := context.Background()

	id, err := a.Call(ctx, c.ID(), "inc", nil)
	require.NoError(t, err)
	reply, err := a.WaitForResponse(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0}, reply)

	m, ok := r.Message(id)
	require.True(t, ok)
	assert.Len(t, m.Nonce, 16)
	assert.Equal(t, alice, m.Sender)

	_, err = a.CallAndWait(ctx, c.ID(), "test_trap", nil)
	rej, ok := apperr.AsReject(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, int(models.RejectCanisterError), rej.Code)
	assert.Contains(t, rej.Message, "boom")

	_, err = a.WaitForResponse(ctx, "12345")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestWaitForPendingRequest(t *testing.T) {
	r, c := setup(t)
	a := New(r, alice)
	ctx := context.Background()

	id := r.StoreMessage(models.NewUpdate(c.ID(), alice, "inc", nil))
	_, err := a.WaitForResponse(ctx, id)
	assert.ErrorIs(t, err, ErrPending)
}

func TestQuery(t *testing.T) {
	r, c := setup(t)
	a := New(r, alice)
	ctx := context.Background()

	reply, err := a.Query(ctx, c.ID(), "read", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, reply)

	_, err = a.Query(ctx, c.ID(), "missing", nil)
	rej, ok := apperr.AsReject(err)
	require.True(t, ok)
	assert.Equal(t, int(models.RejectDestinationInvalid), rej.Code)
}

func TestActor(t *testing.T) {
	r, c := setup(t)
	actor := New(r, alice).Actor(c.ID(), c.Interface().Service)
	ctx := context.Background()

	out, err := actor.Call(ctx, "test_caller")
	require.NoError(t, err)
	assert.Equal(t, []any{alice}, out)

	out, err = actor.Call(ctx, "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, []any{"hello"}, out)

	_, err = actor.Call(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = actor.Call(ctx, "echo", 12)
	assert.Error(t, err)
}
