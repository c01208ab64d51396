package handlers

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ArgumentGetter is implemented by mcp.CallToolRequest.
type ArgumentGetter interface {
	GetArguments() map[string]any
}

// CoerceBindArguments binds request arguments to target. MCP clients often
// send every value as a string, including JSON-encoded arrays and numbers,
// so strings are decoded into the field's type where they parse.
func CoerceBindArguments[T any](request ArgumentGetter, target *T) error {
	jsonStringHook := func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return data, nil
		}

		switch {
		case t.Kind() == reflect.Slice && strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]"):
			slicePtr := reflect.New(t)
			if err := json.Unmarshal([]byte(raw), slicePtr.Interface()); err == nil {
				return slicePtr.Elem().Interface(), nil
			}
		case t.Kind() == reflect.Map && strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}"):
			var result map[string]any
			if err := json.Unmarshal([]byte(raw), &result); err == nil {
				return result, nil
			}
		case t.Kind() == reflect.Bool && (raw == "true" || raw == "false"):
			return raw == "true", nil
		case t.Kind() >= reflect.Int && t.Kind() <= reflect.Float64:
			var n json.Number
			if err := json.Unmarshal([]byte(raw), &n); err == nil {
				return n, nil
			}
		}
		return data, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			jsonStringHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Result:  target,
		TagName: "json",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(request.GetArguments())
}
