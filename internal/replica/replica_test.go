package replica

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/lightic/internal/canister"
	"github.com/starford/lightic/internal/certification"
	"github.com/starford/lightic/internal/hashtree"
	"github.com/starford/lightic/internal/idl"
	"github.com/starford/lightic/internal/modstore"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
	"github.com/starford/lightic/internal/testutil"
)

var alice = principal.FromBytes([]byte{0xab, 0xcd, 0x01})

func newReplica(t *testing.T, cfg Config) *Replica {
	t.Helper()
	signer, err := certification.NewSigner(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	r, err := New(cfg, certification.NewCertifier(signer), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func deploy(t *testing.T, r *Replica, wasm []byte) principal.Principal {
	t.Helper()
	c, err := r.CreateCanister(CreateOptions{Controllers: []principal.Principal{alice}})
	require.NoError(t, err)
	mod, err := modstore.New(wasm)
	require.NoError(t, err)
	require.NoError(t, r.InstallCanister(context.Background(), c.ID(), mod, canister.InstallOptions{Sender: alice}))
	return c.ID()
}

func execute(t *testing.T, r *Replica, m *models.Message) *models.Message {
	t.Helper()
	m, err := r.Execute(context.Background(), m)
	require.NoError(t, err)
	return m
}

func TestCanisterIDsAreSequential(t *testing.T) {
	r := newReplica(t, Config{})
	a, err := r.CreateCanister(CreateOptions{})
	require.NoError(t, err)
	b, err := r.CreateCanister(CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "rrkah-fqaaa-aaaaa-aaaaq-cai", a.ID().String())
	assert.Equal(t, principal.CanisterID(2), b.ID())

	want := principal.CanisterID(9)
	_, err = r.CreateCanister(CreateOptions{ID: &want})
	require.NoError(t, err)
	_, err = r.CreateCanister(CreateOptions{ID: &want})
	assert.Error(t, err, "specified id already taken")
}

func TestUnknownTargetIsDestinationInvalid(t *testing.T) {
	r := newReplica(t, Config{})
	m := execute(t, r, models.NewUpdate(principal.CanisterID(77), alice, "inc", nil))
	assert.Equal(t, models.StatusError, m.Status)
	assert.Equal(t, models.RejectDestinationInvalid, m.RejectionCode)
}

func TestInterCanisterCallResolvesBeforeReturn(t *testing.T) {
	r := newReplica(t, Config{})
	a := deploy(t, r, testutil.Caller())
	b := deploy(t, r, testutil.Counter())

	orig := execute(t, r, models.NewUpdate(a, alice, "call", b.Bytes()))
	require.Equal(t, models.StatusOk, orig.Status, orig.RejectionMessage)
	assert.EqualValues(t, 1, binary.LittleEndian.Uint32(orig.Result))

	onB := r.Messages(MessageFilter{Canister: &b})
	require.Len(t, onB, 1)
	assert.Equal(t, models.SourceInterCanister, onB[0].Source)
	assert.Equal(t, models.CallUpdate, onB[0].Type)
	assert.Equal(t, models.StatusOk, onB[0].Status)

	onA := r.Messages(MessageFilter{Canister: &a})
	require.Len(t, onA, 2)
	assert.Equal(t, models.CallReplyCallback, onA[0].Type, "newest first")
	assert.Equal(t, onB[0].ID, onA[0].Origin)
	assert.Equal(t, orig.ID, onA[1].ID)
	assert.Zero(t, r.Stats().Pending)
}

func TestCallToMissingCanisterRejectsCaller(t *testing.T) {
	r := newReplica(t, Config{})
	a := deploy(t, r, testutil.Caller())

	orig := execute(t, r, models.NewUpdate(a, alice, "call", principal.CanisterID(99).Bytes()))
	require.Equal(t, models.StatusError, orig.Status)
	assert.Equal(t, models.RejectCanisterReject, orig.RejectionCode)
	assert.Contains(t, orig.RejectionMessage, "not found")
}

func TestStuckCallIsFailed(t *testing.T) {
	r := newReplica(t, Config{})
	a := deploy(t, r, testutil.Caller())
	b := deploy(t, r, testutil.Counter())

	orig := execute(t, r, models.NewUpdate(a, alice, "call_ignore", b.Bytes()))
	require.Equal(t, models.StatusError, orig.Status)
	assert.Equal(t, models.RejectCanisterError, orig.RejectionCode)
	assert.Equal(t, noResponse, orig.RejectionMessage)
}

func TestObserversSeeEveryTerminalMessageOnce(t *testing.T) {
	r := newReplica(t, Config{})
	a := deploy(t, r, testutil.Caller())
	b := deploy(t, r, testutil.Counter())

	seen := map[string]int{}
	r.Subscribe(func(ev Event) {
		if ev.Kind == EventMessage {
			require.True(t, ev.Message.Terminal())
			seen[ev.Message.ID]++
		}
	})
	execute(t, r, models.NewUpdate(a, alice, "call", b.Bytes()))

	assert.Len(t, seen, 3, "ingress call, inter-canister call, callback")
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s", id)
	}
}

func TestQueryIsNotStored(t *testing.T) {
	r := newReplica(t, Config{})
	id := deploy(t, r, testutil.Counter())

	q := models.NewQuery(id, alice, "read", nil)
	require.NoError(t, r.Query(context.Background(), q))
	assert.Equal(t, models.StatusOk, q.Status)
	assert.Empty(t, q.ID)
	assert.Zero(t, r.Stats().Messages)

	err := r.Query(context.Background(), models.NewUpdate(id, alice, "inc", nil))
	assert.Error(t, err)
}

func TestSubmitRunsInspectMessage(t *testing.T) {
	r := newReplica(t, Config{})
	id := deploy(t, r, testutil.Guarded())
	ctx := context.Background()

	_, err := r.Submit(ctx, models.NewUpdate(id, alice, "ping", nil))
	require.Error(t, err)
	assert.Zero(t, r.Stats().Messages)

	msgID, err := r.Submit(ctx, models.NewUpdate(id, alice, "ping", []byte("x")))
	require.NoError(t, err)
	require.NoError(t, r.ProcessMessages(ctx))
	m, ok := r.Message(msgID)
	require.True(t, ok)
	assert.Equal(t, models.StatusOk, m.Status)
}

func TestReadStateCertifiesReply(t *testing.T) {
	r := newReplica(t, Config{})
	id := deploy(t, r, testutil.Counter())
	m := execute(t, r, models.NewUpdate(id, alice, "inc", nil))

	cert := r.ReadState([][][]byte{hashtree.Path("request_status", m.ID)})
	data, err := cert.Marshal()
	require.NoError(t, err)
	parsed, err := certification.Parse(data)
	require.NoError(t, err)
	require.NoError(t, parsed.Verify(r.RootKey()))

	v, res := parsed.Lookup("request_status", m.ID, "reply")
	require.Equal(t, hashtree.Found, res)
	assert.Equal(t, m.Result, v)
	v, _ = parsed.Lookup("request_status", m.ID, "status")
	assert.Equal(t, certification.StatusReplied, string(v))

	trapped := execute(t, r, models.NewUpdate(id, alice, "test_trap", nil))
	cert = r.ReadState([][][]byte{hashtree.Path("request_status", trapped.ID)})
	v, _ = cert.Lookup("request_status", trapped.ID, "reject_code")
	assert.Equal(t, []byte{byte(models.RejectCanisterError)}, v)
	_, res = cert.Lookup("request_status", trapped.ID, "reply")
	assert.Equal(t, hashtree.Absent, res)
}

func TestEviction(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := newReplica(t, Config{
		MaxCanisters:  3,
		EvictionBatch: 2,
		Clock: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
	})
	var evicted []principal.Principal
	r.Subscribe(func(ev Event) {
		if ev.Kind == EventCanisterEvicted {
			evicted = append(evicted, ev.Canister)
		}
	})
	for range 4 {
		_, err := r.CreateCanister(CreateOptions{})
		require.NoError(t, err)
	}

	assert.ElementsMatch(t, []principal.Principal{principal.CanisterID(1), principal.CanisterID(2)}, evicted)
	infos := r.Canisters()
	require.Len(t, infos, 2)
	assert.Equal(t, principal.CanisterID(3), infos[0].ID)
	assert.Equal(t, principal.CanisterID(4), infos[1].ID)
}

func TestClean(t *testing.T) {
	r := newReplica(t, Config{})
	id := deploy(t, r, testutil.Counter())
	execute(t, r, models.NewUpdate(id, alice, "inc", nil))

	r.Clean(context.Background())
	assert.Equal(t, Stats{}, r.Stats())

	c, err := r.CreateCanister(CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, principal.CanisterID(1), c.ID(), "id counter reset")
	m := execute(t, r, models.NewUpdate(principal.Management, alice, "raw_rand", []byte("DIDL\x00\x00")))
	assert.Equal(t, "0", m.ID, "message counter reset")
}

func mgmtArgs(t *testing.T, r *Replica, method string, arg map[string]any) []byte {
	t.Helper()
	sig, ok := r.Management().Interface().Service.Method(method)
	require.True(t, ok)
	var vals []any
	if arg != nil {
		vals = []any{arg}
	}
	b, err := idl.Encode(sig.Args, vals)
	require.NoError(t, err)
	return b
}

func mgmtReply(t *testing.T, r *Replica, method string, m *models.Message) any {
	t.Helper()
	require.Equal(t, models.StatusOk, m.Status, m.RejectionMessage)
	sig, _ := r.Management().Interface().Service.Method(method)
	vals, err := idl.Decode(m.Result, sig.Rets...)
	require.NoError(t, err)
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

func TestManagementCanister(t *testing.T) {
	r := newReplica(t, Config{})
	mgmt := principal.Management

	m := execute(t, r, models.NewUpdate(mgmt, alice, "raw_rand", mgmtArgs(t, r, "raw_rand", nil)))
	rnd, ok := mgmtReply(t, r, "raw_rand", m).([]byte)
	require.True(t, ok)
	assert.Len(t, rnd, 32)

	want := principal.CanisterID(42)
	m = execute(t, r, models.NewUpdate(mgmt, alice, "provisional_create_canister_with_cycles",
		mgmtArgs(t, r, "provisional_create_canister_with_cycles", map[string]any{
			"amount":       idl.Some(big.NewInt(5000)),
			"settings":     idl.Option{},
			"specified_id": idl.Some(want),
		})))
	rec := mgmtReply(t, r, "provisional_create_canister_with_cycles", m).(map[string]any)
	assert.Equal(t, want, rec["canister_id"])

	m = execute(t, r, models.NewUpdate(mgmt, alice, "install_code",
		mgmtArgs(t, r, "install_code", map[string]any{
			"mode":        idl.Variant{Label: "install"},
			"canister_id": want,
			"wasm_module": testutil.Counter(),
			"arg":         []byte{},
		})))
	mgmtReply(t, r, "install_code", m)

	inc := execute(t, r, models.NewUpdate(want, alice, "inc", nil))
	assert.Equal(t, models.StatusOk, inc.Status)

	m = execute(t, r, models.NewUpdate(mgmt, alice, "canister_status",
		mgmtArgs(t, r, "canister_status", map[string]any{"canister_id": want})))
	status := mgmtReply(t, r, "canister_status", m).(map[string]any)
	assert.Equal(t, idl.Variant{Label: "running"}, status["status"])
	assert.Equal(t, 0, status["cycles"].(*big.Int).Cmp(big.NewInt(5000)))
	hash, ok := status["module_hash"].(idl.Option)
	require.True(t, ok)
	assert.True(t, hash.Some)

	bob := principal.FromBytes([]byte{0x0b})
	m = execute(t, r, models.NewUpdate(mgmt, bob, "delete_canister",
		mgmtArgs(t, r, "delete_canister", map[string]any{"canister_id": want})))
	assert.Equal(t, models.StatusError, m.Status, "only controllers may delete")

	m = execute(t, r, models.NewUpdate(mgmt, alice, "delete_canister",
		mgmtArgs(t, r, "delete_canister", map[string]any{"canister_id": want})))
	mgmtReply(t, r, "delete_canister", m)
	_, ok = r.Canister(want)
	assert.False(t, ok)

	m = execute(t, r, models.NewUpdate(mgmt, alice, "no_such_method", nil))
	assert.Equal(t, models.RejectDestinationInvalid, m.RejectionCode)
}
