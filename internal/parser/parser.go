package parser

import (
	"fmt"
	"strconv"

	"github.com/starford/lightic/internal/idl"
)

var primitives = map[string]bool{
	"nat": true, "nat8": true, "nat16": true, "nat32": true, "nat64": true,
	"int": true, "int8": true, "int16": true, "int32": true, "int64": true,
	"float32": true, "float64": true, "bool": true, "text": true,
	"null": true, "reserved": true, "empty": true, "principal": true, "blob": true,
}

type parser struct {
	toks []token
	pos  int
}

// Parse reads an interface description. Import directives are accepted and
// ignored; the resulting program only holds what the text itself declares.
func Parse(src string) (*idl.Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	return p.program()
}

func (p *parser) cur() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Line: t.line, Col: t.col, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isPunct(s string) bool {
	t := p.cur()
	return t.kind == tokPunct && t.val == s
}

func (p *parser) isKeyword(s string) bool {
	t := p.cur()
	return t.kind == tokIdent && t.val == s
}

func (p *parser) accept(s string) bool {
	if p.isPunct(s) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expect(s string) error {
	if p.accept(s) {
		return nil
	}
	return p.errorf(p.cur(), "expected %q, found %s", s, p.cur())
}

func (p *parser) ident() (string, error) {
	t := p.cur()
	if t.kind != tokIdent {
		return "", p.errorf(t, "expected identifier, found %s", t)
	}
	p.advance()
	return t.val, nil
}

func (p *parser) program() (*idl.Program, error) {
	prog := &idl.Program{}
	for {
		switch {
		case p.cur().kind == tokEOF:
			return prog, nil
		case p.accept(";"):
		case p.isKeyword("import"):
			p.advance()
			if p.isKeyword("service") {
				p.advance()
			}
			if p.cur().kind != tokText {
				return nil, p.errorf(p.cur(), "expected import path, found %s", p.cur())
			}
			p.advance()
		case p.isKeyword("type"):
			p.advance()
			name, err := p.ident()
			if err != nil {
				return nil, err
			}
			if err := p.expect("="); err != nil {
				return nil, err
			}
			t, err := p.datatype()
			if err != nil {
				return nil, err
			}
			prog.Decls = append(prog.Decls, idl.Decl{Name: name, Type: t})
		case p.isKeyword("service"):
			if prog.Actor != nil {
				return nil, p.errorf(p.cur(), "duplicate service clause")
			}
			p.advance()
			actor, err := p.actor()
			if err != nil {
				return nil, err
			}
			prog.Actor = actor
		default:
			return nil, p.errorf(p.cur(), "unexpected %s", p.cur())
		}
	}
}

func (p *parser) actor() (*idl.Actor, error) {
	if p.cur().kind == tokIdent {
		p.advance()
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	actor := &idl.Actor{}
	if p.isPunct("(") {
		args, err := p.tupleList()
		if err != nil {
			return nil, err
		}
		if err := p.expect("->"); err != nil {
			return nil, err
		}
		actor.Init, actor.HasInit = args, true
	}
	switch {
	case p.isPunct("{"):
		svc, err := p.serviceBody()
		if err != nil {
			return nil, err
		}
		actor.Service = svc
	case p.cur().kind == tokIdent:
		actor.Service = idl.Var(p.advance().val)
	default:
		return nil, p.errorf(p.cur(), "expected service body, found %s", p.cur())
	}
	return actor, nil
}

func (p *parser) datatype() (*idl.AST, error) {
	t := p.cur()
	if t.kind != tokIdent {
		if p.isPunct("(") {
			return nil, p.errorf(t, "unexpected %q, function types need the func keyword", "(")
		}
		return nil, p.errorf(t, "expected type, found %s", t)
	}
	p.advance()

	switch t.val {
	case "opt", "vec":
		elem, err := p.datatype()
		if err != nil {
			return nil, err
		}
		if t.val == "opt" {
			return idl.OptOf(elem), nil
		}
		return idl.VecOf(elem), nil
	case "record":
		return p.record()
	case "variant":
		fields, err := p.variantFields()
		if err != nil {
			return nil, err
		}
		return idl.VariantOf(fields...), nil
	case "func":
		return p.funcType()
	case "service":
		return p.serviceBody()
	}
	if primitives[t.val] {
		return idl.Prim(t.val), nil
	}
	return idl.Var(t.val), nil
}

// record reads a record body. A record whose fields are all unlabeled is a
// tuple; unlabeled fields among labeled ones take the next free index.
func (p *parser) record() (*idl.AST, error) {
	fields, positional, err := p.recordFields()
	if err != nil {
		return nil, err
	}
	if positional && len(fields) > 0 {
		elems := make([]*idl.AST, len(fields))
		for i, f := range fields {
			elems[i] = f.Type
		}
		return idl.TupleOf(elems...), nil
	}
	return idl.RecordOf(fields...), nil
}

func (p *parser) recordFields() ([]idl.ASTField, bool, error) {
	if err := p.expect("{"); err != nil {
		return nil, false, err
	}
	var fields []idl.ASTField
	positional := true
	next := uint64(0)
	for !p.accept("}") {
		label, labeled, err := p.fieldLabel()
		if err != nil {
			return nil, false, err
		}
		var t *idl.AST
		if labeled {
			positional = false
			if err := p.expect(":"); err != nil {
				return nil, false, err
			}
			if t, err = p.datatype(); err != nil {
				return nil, false, err
			}
			if id, err := strconv.ParseUint(label, 10, 32); err == nil {
				next = id + 1
			}
		} else {
			if t, err = p.datatype(); err != nil {
				return nil, false, err
			}
			label = strconv.FormatUint(next, 10)
			next++
		}
		fields = append(fields, idl.ASTField{Label: label, Type: t})
		if !p.accept(";") && !p.isPunct("}") {
			return nil, false, p.errorf(p.cur(), "expected %q or %q, found %s", ";", "}", p.cur())
		}
	}
	return fields, positional, nil
}

// fieldLabel reports whether the next field carries a "label :" prefix and
// consumes the label when it does.
func (p *parser) fieldLabel() (string, bool, error) {
	t := p.cur()
	next := p.toks[min(p.pos+1, len(p.toks)-1)]
	labeled := next.kind == tokPunct && next.val == ":"
	switch t.kind {
	case tokText, tokNumber:
		if !labeled {
			return "", false, p.errorf(t, "expected %q after field label", ":")
		}
		p.advance()
		return t.val, true, nil
	case tokIdent:
		if labeled {
			p.advance()
			return t.val, true, nil
		}
		return "", false, nil
	}
	return "", false, p.errorf(t, "expected field, found %s", t)
}

// variantFields reads a variant body. A bare label is a null-typed case.
func (p *parser) variantFields() ([]idl.ASTField, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	var out []idl.ASTField
	for !p.accept("}") {
		t := p.cur()
		if t.kind != tokIdent && t.kind != tokText && t.kind != tokNumber {
			return nil, p.errorf(t, "expected field label, found %s", t)
		}
		p.advance()
		f := idl.ASTField{Label: t.val}
		if p.accept(":") {
			ty, err := p.datatype()
			if err != nil {
				return nil, err
			}
			f.Type = ty
		} else {
			f.Type = idl.Prim("null")
		}
		out = append(out, f)
		if !p.accept(";") && !p.isPunct("}") {
			return nil, p.errorf(p.cur(), "expected %q or %q, found %s", ";", "}", p.cur())
		}
	}
	return out, nil
}

func (p *parser) funcType() (*idl.AST, error) {
	args, err := p.tupleList()
	if err != nil {
		return nil, err
	}
	if err := p.expect("->"); err != nil {
		return nil, err
	}
	rets, err := p.tupleList()
	if err != nil {
		return nil, err
	}
	fn := &idl.ASTFuncSig{Args: args, Rets: rets}
	for p.isKeyword("query") || p.isKeyword("oneway") || p.isKeyword("composite_query") {
		fn.Modes = append(fn.Modes, p.advance().val)
	}
	return &idl.AST{Kind: idl.ASTFunc, Func: fn}, nil
}

// tupleList reads "(T, name : T, ...)". Argument names are documentation only.
func (p *parser) tupleList() ([]*idl.AST, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var out []*idl.AST
	for !p.accept(")") {
		_, named, err := p.fieldLabel()
		if err != nil {
			return nil, err
		}
		if named {
			if err := p.expect(":"); err != nil {
				return nil, err
			}
		}
		t, err := p.datatype()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if !p.accept(",") && !p.isPunct(")") {
			return nil, p.errorf(p.cur(), "expected %q or %q, found %s", ",", ")", p.cur())
		}
	}
	return out, nil
}

func (p *parser) serviceBody() (*idl.AST, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	svc := &idl.AST{Kind: idl.ASTService}
	for !p.accept("}") {
		t := p.cur()
		if t.kind != tokIdent && t.kind != tokText {
			return nil, p.errorf(t, "expected method name, found %s", t)
		}
		p.advance()
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		var mt *idl.AST
		var err error
		switch {
		case p.isPunct("("):
			mt, err = p.funcType()
		default:
			mt, err = p.datatype()
		}
		if err != nil {
			return nil, err
		}
		svc.Methods = append(svc.Methods, idl.ASTMethod{Name: t.val, Type: mt})
		if !p.accept(";") && !p.isPunct("}") {
			return nil, p.errorf(p.cur(), "expected %q or %q, found %s", ";", "}", p.cur())
		}
	}
	return svc, nil
}
