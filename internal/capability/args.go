package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Args holds arguments bound to a capability's parameters. Every declared
// parameter is present, holding a string, int64, float64 or bool.
type Args map[string]any

// String returns the named string argument.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns the named integer argument.
func (a Args) Int(name string) int {
	switch v := a[name].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Float returns the named number argument.
func (a Args) Float(name string) float64 {
	switch v := a[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Bool returns the named boolean argument.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Bind validates raw JSON arguments against params. Missing parameters
// take their type's zero value, values are coerced to the declared type
// and undeclared keys are dropped. Only malformed JSON or a value that
// cannot be coerced is an error.
func Bind(params []Param, raw json.RawMessage) (Args, error) {
	in := map[string]any{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&in); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}

	args := make(Args, len(params))
	for _, p := range params {
		v, present := in[p.Name]
		if !present || v == nil {
			args[p.Name] = zeroValue(p.Type)
			continue
		}
		coerced, err := coerce(p.Type, v)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", p.Name, err)
		}
		args[p.Name] = coerced
	}
	return args, nil
}

func zeroValue(typ string) any {
	switch typ {
	case TypeInteger:
		return int64(0)
	case TypeNumber:
		return float64(0)
	case TypeBoolean:
		return false
	}
	return ""
}

func coerce(typ string, v any) (any, error) {
	switch typ {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		case bool:
			return strconv.FormatBool(x), nil
		default:
			b, err := json.Marshal(x)
			if err != nil {
				return nil, err
			}
			return string(b), nil
		}

	case TypeInteger:
		switch x := v.(type) {
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
			f, err := x.Float64()
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %s", x)
			}
			return int64(math.Trunc(f)), nil
		case string:
			s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(x), "#"))
			if s == "" {
				return int64(0), nil
			}
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i, nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return int64(math.Trunc(f)), nil
			}
			return nil, fmt.Errorf("expected integer, got %q", x)
		case bool:
			return nil, fmt.Errorf("expected integer, got boolean")
		}

	case TypeNumber:
		switch x := v.(type) {
		case json.Number:
			return x.Float64()
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return float64(0), nil
			}
			f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", x)
			}
			return f, nil
		case bool:
			return nil, fmt.Errorf("expected number, got boolean")
		}

	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return nil, err
			}
			return f != 0, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true", "1", "sim", "yes":
				return true, nil
			case "false", "0", "nao", "não", "no", "":
				return false, nil
			}
			return nil, fmt.Errorf("expected boolean, got %q", x)
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, typ)
}
