package idl

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"github.com/starford/lightic/internal/principal"
)

// Go representation of Candid values:
//
//	null, reserved      nil
//	bool                bool
//	nat, int            *big.Int
//	nat8..nat64         uint8..uint64
//	int8..int64         int8..int64
//	float32, float64    float32, float64
//	text                string
//	principal, service  principal.Principal
//	opt T               Option
//	vec nat8            []byte
//	vec T               []any
//	record              map[string]any (tuples: []any)
//	variant             Variant
//	func                FuncRef

// Option is an opt value; the zero Option is none.
type Option struct {
	Value any
	Some  bool
}

// Some wraps v as a present optional.
func Some(v any) Option { return Option{Value: v, Some: true} }

// Variant is a tagged value.
type Variant struct {
	Label string
	Value any
}

// FuncRef is a reference to a public method of a service.
type FuncRef struct {
	Service principal.Principal
	Method  string
}

// ToJSON converts a decoded value into plain JSON-friendly data: big
// numbers become strings, blobs hex, principals text, options null or value.
func ToJSON(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *big.Int:
		return x.String()
	case uint64:
		return fmt.Sprint(x)
	case int64:
		return fmt.Sprint(x)
	case []byte:
		return hex.EncodeToString(x)
	case principal.Principal:
		return x.String()
	case Option:
		if !x.Some {
			return nil
		}
		return ToJSON(x.Value)
	case Variant:
		return map[string]any{x.Label: ToJSON(x.Value)}
	case FuncRef:
		return map[string]any{"service": x.Service.String(), "method": x.Method}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = ToJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = ToJSON(e)
		}
		return out
	}
	return v
}

// FromJSON converts JSON-decoded data (as produced by encoding/json into
// any) into a value of type t. Numbers may be JSON numbers or decimal
// strings, blobs hex strings, variants single-key objects.
func FromJSON(t Type, v any) (any, error) {
	switch t.Kind() {
	case KindNull, KindReserved:
		return nil, nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("idl: want bool, got %T", v)
		}
		return b, nil
	case KindNat, KindInt, KindNat8, KindNat16, KindNat32, KindNat64, KindInt8, KindInt16, KindInt32, KindInt64:
		n, err := jsonNumber(v)
		if err != nil {
			return nil, err
		}
		return fixedFromBig(t.Kind(), n)
	case KindFloat32, KindFloat64:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("idl: want number, got %T", v)
		}
		if t.Kind() == KindFloat32 {
			return float32(f), nil
		}
		return f, nil
	case KindText:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("idl: want string, got %T", v)
		}
		return s, nil
	case KindPrincipal, KindService:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("idl: want principal text, got %T", v)
		}
		return principal.Decode(s)
	case KindOpt:
		if v == nil {
			return Option{}, nil
		}
		inner, err := FromJSON(t.Elem(), v)
		if err != nil {
			return nil, err
		}
		return Some(inner), nil
	case KindVec:
		if t.Elem().Kind() == KindNat8 {
			if s, ok := v.(string); ok {
				return hex.DecodeString(s)
			}
		}
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("idl: want array, got %T", v)
		}
		out := make([]any, len(items))
		for i, item := range items {
			e, err := FromJSON(t.Elem(), item)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case KindRecord:
		if t.IsTuple() {
			items, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("idl: want array for tuple, got %T", v)
			}
			fields := t.Fields()
			if len(items) != len(fields) {
				return nil, fmt.Errorf("idl: tuple wants %d elements, got %d", len(fields), len(items))
			}
			out := make([]any, len(items))
			for i, f := range fields {
				e, err := FromJSON(f.Type, items[i])
				if err != nil {
					return nil, err
				}
				out[i] = e
			}
			return out, nil
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("idl: want object, got %T", v)
		}
		out := make(map[string]any, len(obj))
		for _, f := range t.Fields() {
			raw, present := obj[f.Name]
			if !present {
				continue
			}
			e, err := FromJSON(f.Type, raw)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			out[f.Name] = e
		}
		return out, nil
	case KindVariant:
		var label string
		var raw any
		switch x := v.(type) {
		case string:
			label = x
		case map[string]any:
			if len(x) != 1 {
				return nil, fmt.Errorf("idl: variant object must have one key")
			}
			for k, e := range x {
				label, raw = k, e
			}
		default:
			return nil, fmt.Errorf("idl: want variant, got %T", v)
		}
		for _, f := range t.Fields() {
			if f.Name == label {
				e, err := FromJSON(f.Type, raw)
				if err != nil {
					return nil, err
				}
				return Variant{Label: label, Value: e}, nil
			}
		}
		return nil, fmt.Errorf("idl: unknown variant case %q", label)
	}
	return nil, fmt.Errorf("idl: cannot convert JSON to %s", t)
}

func jsonNumber(v any) (*big.Int, error) {
	switch x := v.(type) {
	case float64:
		n, acc := big.NewFloat(x).Int(nil)
		if acc != big.Exact {
			return nil, fmt.Errorf("idl: %v is not an integer", x)
		}
		return n, nil
	case string:
		n, ok := new(big.Int).SetString(x, 10)
		if !ok {
			return nil, fmt.Errorf("idl: %q is not an integer", x)
		}
		return n, nil
	case interface{ String() string }:
		n, ok := new(big.Int).SetString(x.String(), 10)
		if !ok {
			return nil, fmt.Errorf("idl: %v is not an integer", x)
		}
		return n, nil
	}
	return nil, fmt.Errorf("idl: want number, got %T", v)
}

// sortedKeys is used to make map iteration deterministic in error paths.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
