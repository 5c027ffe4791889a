package certification

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/lightic/internal/hashtree"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
)

type fakeState struct {
	msgs map[string]*models.Message
	data map[principal.Principal][]byte
}

func (f *fakeState) Message(id string) (*models.Message, bool) {
	m, ok := f.msgs[id]
	return m, ok
}

func (f *fakeState) CertifiedData(id principal.Principal) ([]byte, bool) {
	d, ok := f.data[id]
	return d, ok
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return s
}

func TestSignerRootKey(t *testing.T) {
	s := testSigner(t)
	require.Len(t, s.PublicKey(), PublicKeySize)

	der := s.RootKey()
	assert.Len(t, der, 37+PublicKeySize)
	raw, err := PublicKeyFromDER(der)
	require.NoError(t, err)
	assert.Equal(t, s.PublicKey(), raw)

	again := testSigner(t)
	assert.Equal(t, s.PublicKey(), again.PublicKey(), "same seed, same key")

	_, err = PublicKeyFromDER(der[1:])
	assert.ErrorIs(t, err, ErrBadRootKey)
	_, err = NewSigner([]byte("short"))
	assert.Error(t, err)
}

func TestSignAndVerifyRoot(t *testing.T) {
	s := testSigner(t)
	root := [32]byte{1, 2, 3}
	sig := s.SignRoot(root)
	require.NoError(t, VerifyRoot(s.RootKey(), root, sig))

	other := [32]byte{1, 2, 4}
	assert.ErrorIs(t, VerifyRoot(s.RootKey(), other, sig), ErrBadSignature)
}

func TestReadStateRequestStatus(t *testing.T) {
	now := time.Unix(1700000000, 42)
	c := NewCertifier(testSigner(t), WithClock(func() time.Time { return now }))

	ok := models.NewUpdate(principal.CanisterID(1), principal.Anonymous, "greet", nil)
	ok.ID = "1"
	require.NoError(t, ok.Begin())
	require.NoError(t, ok.Reply([]byte("DIDL\x00\x01\x71\x02hi")))

	failed := models.NewUpdate(principal.CanisterID(1), principal.Anonymous, "boom", nil)
	failed.ID = "2"
	require.NoError(t, failed.Begin())
	require.NoError(t, failed.Reject(models.RejectCanisterError, "trapped"))

	src := &fakeState{msgs: map[string]*models.Message{"1": ok, "2": failed}}
	cert := c.ReadState(src, [][][]byte{
		hashtree.Path("request_status", "1"),
		hashtree.Path("request_status", "2"),
		hashtree.Path("request_status", "404"),
	})

	data, err := cert.Marshal()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xd9, 0xd9, 0xf7}, data[:3], "self-describe tag")

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, parsed.Verify(c.RootKey()))

	v, res := parsed.Lookup("time")
	require.Equal(t, hashtree.Found, res)
	ts, _ := binary.Uvarint(v)
	assert.Equal(t, uint64(now.UnixNano()), ts)

	v, res = parsed.Lookup("request_status", "1", "reply")
	require.Equal(t, hashtree.Found, res)
	assert.Equal(t, ok.Result, v)
	v, _ = parsed.Lookup("request_status", "1", "status")
	assert.Equal(t, StatusReplied, string(v))

	v, _ = parsed.Lookup("request_status", "2", "status")
	assert.Equal(t, StatusRejected, string(v))
	v, _ = parsed.Lookup("request_status", "2", "reject_code")
	assert.Equal(t, []byte{byte(models.RejectCanisterError)}, v)
	v, _ = parsed.Lookup("request_status", "2", "reject_message")
	assert.Equal(t, "trapped", string(v))

	_, res = parsed.Lookup("request_status", "404", "status")
	assert.Equal(t, hashtree.Absent, res)
}

func TestTamperedCertificateFails(t *testing.T) {
	c := NewCertifier(testSigner(t))
	m := models.NewUpdate(principal.CanisterID(1), principal.Anonymous, "f", nil)
	m.ID = "5"
	cert := c.ForMessages(m)
	require.NoError(t, cert.Verify(c.RootKey()))

	cert.Tree = hashtree.Fork(cert.Tree, hashtree.Empty())
	assert.ErrorIs(t, cert.Verify(c.RootKey()), ErrBadSignature)

	v, res := c.ForMessages(m).Lookup("request_status", "5", "status")
	require.Equal(t, hashtree.Found, res)
	assert.Equal(t, StatusReceived, string(v))
}

func TestCanisterCertifiedData(t *testing.T) {
	c := NewCertifier(testSigner(t))
	id := principal.CanisterID(3)
	src := &fakeState{data: map[principal.Principal][]byte{id: {0xaa, 0xbb}}}

	cert := c.ReadState(src, [][][]byte{{[]byte("canister"), id.Bytes(), []byte("certified_data")}})
	v, res := cert.Tree.Lookup([]byte("canister"), id.Bytes(), []byte("certified_data"))
	require.Equal(t, hashtree.Found, res)
	assert.Equal(t, []byte{0xaa, 0xbb}, v)

	direct := c.ForCanister(id, []byte{1})
	v, _ = direct.Tree.Lookup([]byte("canister"), id.Bytes(), []byte("certified_data"))
	assert.Equal(t, []byte{1}, v)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrMalformed)
}
