package ros

import (
	"strings"

	"github.com/buger/jsonparser"
)

// loadParamFromString interprets the value of a "_name:=value" argument.
// JSON scalars, arrays and objects are decoded; anything else is kept as a
// plain string, as roslaunch does for unquoted words.
func loadParamFromString(s string) (interface{}, error) {
	data := []byte(strings.TrimSpace(s))
	if len(data) == 0 {
		return s, nil
	}
	value, dataType, _, err := jsonparser.Get(data)
	if err != nil {
		return s, nil
	}
	return decodeParam(value, dataType)
}

func decodeParam(value []byte, dataType jsonparser.ValueType) (interface{}, error) {
	switch dataType {
	case jsonparser.Number:
		if i, err := jsonparser.ParseInt(value); err == nil && i >= -1<<31 && i < 1<<31 {
			return int32(i), nil
		}
		return jsonparser.ParseFloat(value)
	case jsonparser.Boolean:
		return jsonparser.ParseBoolean(value)
	case jsonparser.String:
		return jsonparser.ParseString(value)
	case jsonparser.Null:
		return "", nil
	case jsonparser.Array:
		items := []interface{}{}
		var innerErr error
		_, err := jsonparser.ArrayEach(value, func(v []byte, dt jsonparser.ValueType, _ int, err error) {
			if innerErr != nil {
				return
			}
			if err != nil {
				innerErr = err
				return
			}
			item, err := decodeParam(v, dt)
			if err != nil {
				innerErr = err
				return
			}
			items = append(items, item)
		})
		if err != nil {
			return nil, err
		}
		return items, innerErr
	case jsonparser.Object:
		m := make(map[string]interface{})
		err := jsonparser.ObjectEach(value, func(key []byte, v []byte, dt jsonparser.ValueType, _ int) error {
			item, err := decodeParam(v, dt)
			if err != nil {
				return err
			}
			m[string(key)] = item
			return nil
		})
		return m, err
	}
	return string(value), nil
}

// ParamFloat coerces a parameter value as returned by the master into a float.
func ParamFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// ParseParam interprets a parameter given on the command line or stored as
// text, e.g. "25", "true" or "[1, 2]".
func ParseParam(s string) (interface{}, error) {
	return loadParamFromString(s)
}
