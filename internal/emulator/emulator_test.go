package emulator

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
	"github.com/starford/lightic/internal/storage"
	"github.com/starford/lightic/internal/testutil"
)

var alice = principal.FromBytes([]byte{0xab, 0xcd, 0x01})

func newEmulator(t *testing.T) (*Emulator, storage.Provider) {
	t.Helper()
	files, err := storage.NewFS(t.TempDir())
	require.NoError(t, err)
	e, err := New(Options{Files: files})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, files
}

func TestDeployFromWorkspace(t *testing.T) {
	e, files := newEmulator(t)
	ctx := context.Background()
	require.NoError(t, files.Write("counter.wasm", testutil.Counter()))

	info, err := e.Deploy(ctx, DeployOptions{Name: "counter", Wasm: "counter.wasm", Sender: alice})
	require.NoError(t, err)
	assert.Equal(t, principal.CanisterID(1), info.ID)
	assert.True(t, info.HasInterface)
	assert.Equal(t, []principal.Principal{alice}, info.Controllers)
	assert.Equal(t, []string{"counter.wasm"}, e.Sources())

	id, err := e.Resolve("counter")
	require.NoError(t, err)
	assert.Equal(t, info.ID, id)
	id, err = e.Resolve(info.ID.String())
	require.NoError(t, err)
	assert.Equal(t, info.ID, id)
	_, err = e.Resolve("nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	text, err := e.Interface(info.ID)
	require.NoError(t, err)
	assert.Equal(t, testutil.CounterCandid, text)
}

func TestDeployRejectsAmbiguousSource(t *testing.T) {
	e, _ := newEmulator(t)
	_, err := e.Deploy(context.Background(), DeployOptions{Wasm: "a.wasm", Module: testutil.Counter()})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = e.Deploy(context.Background(), DeployOptions{})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = e.Deploy(context.Background(), DeployOptions{Wasm: "missing.wasm"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFailedInstallLeavesNoCanister(t *testing.T) {
	e, _ := newEmulator(t)
	_, err := e.Deploy(context.Background(), DeployOptions{Module: testutil.Counter(), Candid: "service : { broken"})
	require.Error(t, err)
	assert.Empty(t, e.Canisters())
}

func TestCallWithTypedArgs(t *testing.T) {
	e, _ := newEmulator(t)
	ctx := context.Background()
	info, err := e.Deploy(ctx, DeployOptions{Module: testutil.Counter()})
	require.NoError(t, err)

	res, err := e.Call(ctx, CallRequest{Canister: info.ID, Method: "echo", Args: []any{"hi"}, Sender: alice})
	require.NoError(t, err)
	assert.Equal(t, models.StatusOk, res.Message.Status)
	assert.Equal(t, []any{"hi"}, res.Reply)
	assert.NotEmpty(t, res.Message.ID)

	stored, err := e.Message(res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, stored.Sender)

	_, err = e.Call(ctx, CallRequest{Canister: info.ID, Method: "echo", Args: []any{"a", "b"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = e.Call(ctx, CallRequest{Canister: info.ID, Method: "echo", ArgHex: "zz"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestCallRoutesQueriesByAnnotation(t *testing.T) {
	e, _ := newEmulator(t)
	ctx := context.Background()
	info, err := e.Deploy(ctx, DeployOptions{Module: testutil.Counter()})
	require.NoError(t, err)

	_, err = e.Call(ctx, CallRequest{Canister: info.ID, Method: "inc"})
	require.NoError(t, err)
	res, err := e.Call(ctx, CallRequest{Canister: info.ID, Method: "read"})
	require.NoError(t, err)
	assert.Equal(t, models.CallQuery, res.Message.Type)
	assert.Equal(t, []byte{1, 0, 0, 0}, res.Message.Result)
	assert.Empty(t, res.Message.ID, "queries are not stored")

	res, err = e.Call(ctx, CallRequest{Canister: info.ID, Method: "test_trap"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, res.Message.Status)
	assert.Equal(t, models.RejectCanisterError, res.Message.RejectionCode)
}

func TestRedeployUpgradesChangedModule(t *testing.T) {
	e, files := newEmulator(t)
	ctx := context.Background()
	require.NoError(t, files.Write("counter.wasm", testutil.Counter()))
	info, err := e.Deploy(ctx, DeployOptions{Wasm: "counter.wasm"})
	require.NoError(t, err)
	for range 2 {
		_, err := e.Call(ctx, CallRequest{Canister: info.ID, Method: "inc"})
		require.NoError(t, err)
	}

	upgraded, err := e.Redeploy(ctx, "counter.wasm")
	require.NoError(t, err)
	assert.Empty(t, upgraded, "unchanged module is not reinstalled")

	require.NoError(t, files.Write("counter.wasm", testutil.WithTrailer(testutil.Counter())))
	upgraded, err = e.Redeploy(ctx, "counter.wasm")
	require.NoError(t, err)
	assert.Equal(t, []principal.Principal{info.ID}, upgraded)

	after, err := e.Canister(info.ID)
	require.NoError(t, err)
	assert.NotEqual(t, info.ModuleHash, after.ModuleHash)
	assert.Equal(t, info.Version+1, after.Version)

	res, err := e.Call(ctx, CallRequest{Canister: info.ID, Method: "read"})
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 0, 0}, res.Message.Result, "counter survives the upgrade")

	upgraded, err = e.Redeploy(ctx, "other.wasm")
	require.NoError(t, err)
	assert.Empty(t, upgraded)
}

func TestAgentAndClean(t *testing.T) {
	e, _ := newEmulator(t)
	ctx := context.Background()
	info, err := e.Deploy(ctx, DeployOptions{Name: "c", Module: testutil.Counter()})
	require.NoError(t, err)

	reply, err := e.Agent(alice).CallAndWait(ctx, info.ID, "inc", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0}, reply)

	e.Clean(ctx)
	assert.Empty(t, e.Canisters())
	_, err = e.Resolve("c")
	assert.Error(t, err)
	_, err = e.Canister(info.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReadState(t *testing.T) {
	e, _ := newEmulator(t)
	ctx := context.Background()
	info, err := e.Deploy(ctx, DeployOptions{Module: testutil.Counter()})
	require.NoError(t, err)
	res, err := e.Call(ctx, CallRequest{Canister: info.ID, Method: "certify"})
	require.NoError(t, err)
	require.Equal(t, models.StatusOk, res.Message.Status)

	read, err := e.ReadState([][]string{
		{"request_status", res.Message.ID, "status"},
		{"canister", info.ID.String(), "certified_data"},
		{"request_status", "999", "status"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, read.Certificate)
	assert.Equal(t, hex.EncodeToString([]byte("replied")), read.Values["request_status/"+res.Message.ID+"/status"])
	assert.Equal(t, hex.EncodeToString([]byte("boom")), read.Values["canister/"+info.ID.String()+"/certified_data"])
	assert.NotContains(t, read.Values, "request_status/999/status")

	_, err = e.ReadState([][]string{{"canister", "not a principal", "certified_data"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestDeleteForgetsSource(t *testing.T) {
	e, files := newEmulator(t)
	ctx := context.Background()
	require.NoError(t, files.Write("counter.wasm", testutil.Counter()))
	info, err := e.Deploy(ctx, DeployOptions{Name: "c", Wasm: "counter.wasm"})
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, info.ID))
	assert.Empty(t, e.Sources())
	_, err = e.Resolve("c")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, e.Delete(ctx, info.ID), apperr.ErrNotFound)
}
