package wasmbin

// Opcodes used by the generated modules.
const (
	OpUnreachable  byte = 0x00
	OpNop          byte = 0x01
	OpBlock        byte = 0x02
	OpIf           byte = 0x04
	OpElse         byte = 0x05
	OpEnd          byte = 0x0b
	OpBr           byte = 0x0c
	OpBrIf         byte = 0x0d
	OpReturn       byte = 0x0f
	OpCall         byte = 0x10
	OpCallIndirect byte = 0x11
	OpDrop         byte = 0x1a
	OpLocalGet     byte = 0x20
	OpLocalSet     byte = 0x21
	OpLocalTee     byte = 0x22
	OpI32Load      byte = 0x28
	OpI32Store     byte = 0x36
	OpI32Const     byte = 0x41
	OpI64Const     byte = 0x42
	OpI32Eqz       byte = 0x45
	OpI32Add       byte = 0x6a
	OpI32Sub       byte = 0x6b

	blockEmpty byte = 0x40
)

// Code accumulates an instruction sequence.
type Code struct {
	b []byte
}

func (c *Code) Bytes() []byte { return c.b }

func (c *Code) op(op byte, imm ...uint32) *Code {
	c.b = append(c.b, op)
	for _, v := range imm {
		c.b = uleb(c.b, v)
	}
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.b = sleb(append(c.b, OpI32Const), int64(v))
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.b = sleb(append(c.b, OpI64Const), v)
	return c
}

func (c *Code) LocalGet(i uint32) *Code { return c.op(OpLocalGet, i) }

func (c *Code) LocalSet(i uint32) *Code { return c.op(OpLocalSet, i) }

func (c *Code) LocalTee(i uint32) *Code { return c.op(OpLocalTee, i) }

func (c *Code) Call(fn uint32) *Code { return c.op(OpCall, fn) }

// CallIndirect calls through table 0 with the given type index.
func (c *Code) CallIndirect(typ uint32) *Code { return c.op(OpCallIndirect, typ, 0) }

func (c *Code) Drop() *Code { return c.op(OpDrop) }

func (c *Code) Unreachable() *Code { return c.op(OpUnreachable) }

func (c *Code) Return() *Code { return c.op(OpReturn) }

// I32Load and I32Store use natural alignment and a zero offset.
func (c *Code) I32Load() *Code { return c.op(OpI32Load, 2, 0) }

func (c *Code) I32Store() *Code { return c.op(OpI32Store, 2, 0) }

func (c *Code) I32Add() *Code { return c.op(OpI32Add) }

func (c *Code) I32Sub() *Code { return c.op(OpI32Sub) }

func (c *Code) I32Eqz() *Code { return c.op(OpI32Eqz) }

// If opens a block without results; close it with End.
func (c *Code) If() *Code {
	c.b = append(c.b, OpIf, blockEmpty)
	return c
}

func (c *Code) Else() *Code { return c.op(OpElse) }

func (c *Code) End() *Code { return c.op(OpEnd) }
