package wasmbin

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrampolineBytes(t *testing.T) {
	want := "0061736d01000000" +
		"010a0260017f0060027f7f00" +
		"02140108" + hex.EncodeToString([]byte("canister")) + "05" + hex.EncodeToString([]byte("table")) + "01700000" +
		"03020101" +
		"070a0106" + hex.EncodeToString([]byte("invoke")) + "0000" +
		"0a0b01090020002001110000" + "0b"
	assert.Equal(t, want, hex.EncodeToString(Trampoline()))
}

func TestSleb(t *testing.T) {
	cases := map[int64]string{0: "00", 2: "02", -1: "7f", 63: "3f", 64: "c000", -64: "40", 65536: "808004", -129: "ff7e"}
	for v, want := range cases {
		assert.Equal(t, want, hex.EncodeToString(sleb(nil, v)), "%d", v)
	}
}

func TestModuleLayout(t *testing.T) {
	m := &Module{}
	reply := m.ImportFunc("ic0", "msg_reply", nil, nil)
	assert.Equal(t, uint32(0), reply)

	body := (&Code{}).Call(reply).Bytes()
	fn := m.AddFunc(nil, nil, nil, body)
	assert.Equal(t, uint32(1), fn)
	assert.Equal(t, uint32(0), m.AddType(nil, nil), "identical signature is shared")

	m.Memories = []Limits{{Min: 1}}
	m.Export("canister_update go", ExternFunc, fn)
	m.Data = []Data{{Offset: 16, Bytes: []byte("hi")}}
	m.Custom = []Custom{{Name: "icp:public candid:service", Data: []byte("service : {}")}}

	got := hex.EncodeToString(m.Encode())
	assert.Contains(t, got, "0b08010041100b026869", "data segment")
	assert.Contains(t, got, "0a0601040010000b", "code section")
	assert.Contains(t, got, hex.EncodeToString([]byte("service : {}")))
}
