package structs

import (
	"fmt"
	"strconv"
	"strings"
)

// Coerce converts a value supplied by an operator (usually a JSON string or
// number) to the tag's declared data kind. HTTP writes arrive untyped, so
// every write passes through here before it reaches an adapter.
func Coerce(value any, kind DataKind) (any, error) {
	switch kind.Normalize() {
	case KindBool:
		return coerceBool(value)
	case KindInt:
		return coerceInt(value)
	case KindFloat:
		return coerceFloat(value)
	case KindString:
		return fmt.Sprintf("%v", value), nil
	}
	return nil, NewDriverError(ErrKindCoercion, "coerce",
		fmt.Errorf("unsupported data kind %q", kind))
}

func coerceBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "sim", "yes", "on":
			return true, nil
		case "0", "false", "nao", "não", "no", "off", "":
			return false, nil
		}
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	}
	return false, NewDriverError(ErrKindCoercion, "coerce",
		fmt.Errorf("%v is not representable as bool", value))
}

func coerceInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint16:
		return int64(v), nil
	case float32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err == nil {
			return n, nil
		}
		// Operators routinely type "17.0" into integer tags.
		f, ferr := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if ferr == nil {
			return int64(f), nil
		}
	}
	return 0, NewDriverError(ErrKindCoercion, "coerce",
		fmt.Errorf("%v is not representable as int", value))
}

func coerceFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(v), ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f, nil
		}
	}
	return 0, NewDriverError(ErrKindCoercion, "coerce",
		fmt.Errorf("%v is not representable as float", value))
}
