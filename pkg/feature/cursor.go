package feature

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Cursor - позиция продолжения выборки по ключу сортировки.
// Keys - атрибуты сортировки и затем первичный ключ, Values - их
// значения в последней выданной строке; nil - NULL.
type Cursor struct {
	Keys   []string
	Values []any
}

type cursorValue struct {
	T string `json:"t"`
	V string `json:"v"`
}

type cursorWire struct {
	K []string      `json:"k"`
	V []cursorValue `json:"v"`
}

// String - непрозрачная форма для передачи клиенту
func (c Cursor) String() string {
	w := cursorWire{K: c.Keys, V: make([]cursorValue, len(c.Values))}
	for i, v := range c.Values {
		w.V[i] = encodeCursorValue(v)
	}
	b, _ := json.Marshal(w)
	return base64.RawURLEncoding.EncodeToString(b)
}

// ParseCursor восстанавливает курсор из String
func ParseCursor(s string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: cursor: %v", ErrInvalidQuery, err)
	}
	var w cursorWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: cursor: %v", ErrInvalidQuery, err)
	}
	if len(w.K) != len(w.V) || len(w.K) == 0 {
		return nil, fmt.Errorf("%w: cursor: keys and values mismatch", ErrInvalidQuery)
	}
	c := &Cursor{Keys: w.K, Values: make([]any, len(w.V))}
	for i, v := range w.V {
		val, err := decodeCursorValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: cursor: %v", ErrInvalidQuery, err)
		}
		c.Values[i] = val
	}
	return c, nil
}

func encodeCursorValue(v any) cursorValue {
	switch x := v.(type) {
	case nil:
		return cursorValue{T: "n"}
	case int64:
		return cursorValue{T: "i", V: strconv.FormatInt(x, 10)}
	case int:
		return cursorValue{T: "i", V: strconv.Itoa(x)}
	case float64:
		return cursorValue{T: "f", V: strconv.FormatFloat(x, 'g', -1, 64)}
	case bool:
		return cursorValue{T: "b", V: strconv.FormatBool(x)}
	case time.Time:
		return cursorValue{T: "t", V: x.UTC().Format(time.RFC3339Nano)}
	case []byte:
		return cursorValue{T: "x", V: base64.StdEncoding.EncodeToString(x)}
	default:
		return cursorValue{T: "s", V: fmt.Sprint(x)}
	}
}

func decodeCursorValue(v cursorValue) (any, error) {
	switch v.T {
	case "n":
		return nil, nil
	case "i":
		return strconv.ParseInt(v.V, 10, 64)
	case "f":
		return strconv.ParseFloat(v.V, 64)
	case "b":
		return strconv.ParseBool(v.V)
	case "t":
		return time.Parse(time.RFC3339Nano, v.V)
	case "x":
		return base64.StdEncoding.DecodeString(v.V)
	case "s":
		return v.V, nil
	default:
		return nil, fmt.Errorf("unknown value tag %q", v.T)
	}
}
