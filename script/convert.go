package script

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/risor-io/risor/object"
)

// convertObject converts an interpreter value into plain Go data suitable
// for recording.
func convertObject(obj object.Object) (any, error) {
	switch obj := obj.(type) {
	case *object.NilType:
		return nil, nil
	case *object.String:
		return obj.Value(), nil
	case *object.Int:
		return obj.Value(), nil
	case *object.Float:
		return obj.Value(), nil
	case *object.Bool:
		return obj.Value(), nil
	case *object.Time:
		return obj.Value(), nil
	case *object.ByteSlice:
		return string(obj.Value()), nil
	case *object.List:
		var values []any
		for _, item := range obj.Value() {
			value, err := convertObject(item)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
		}
		return values, nil
	case *object.Set:
		var values []any
		for _, item := range obj.Value() {
			value, err := convertObject(item)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
		}
		return values, nil
	case *object.Map:
		values := map[string]any{}
		for key, item := range obj.Value() {
			value, err := convertObject(item)
			if err != nil {
				return nil, err
			}
			values[key] = value
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unsupported script value type: %T", obj)
	}
}

// convertResult shapes a program's final value as an output map. A map is
// used as-is; nil means no output; anything else is wrapped under "result".
func convertResult(obj object.Object) (map[string]any, error) {
	value, err := convertObject(obj)
	if err != nil {
		return nil, cascade.NewProgramError(err.Error(), false)
	}
	if value == nil {
		return nil, nil
	}
	if m, ok := value.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": value}, nil
}

// toObject converts plain Go data into an interpreter value.
func toObject(v any) object.Object {
	switch v := v.(type) {
	case nil:
		return object.Nil
	case bool:
		return object.NewBool(v)
	case string:
		return object.NewString(v)
	case int:
		return object.NewInt(int64(v))
	case int64:
		return object.NewInt(v)
	case float64:
		return object.NewFloat(v)
	case time.Time:
		return object.NewTime(v)
	case []any:
		items := make([]object.Object, 0, len(v))
		for _, item := range v {
			items = append(items, toObject(item))
		}
		return object.NewList(items)
	case map[string]any:
		items := map[string]object.Object{}
		for key, item := range v {
			items[key] = toObject(item)
		}
		return object.NewMap(items)
	default:
		return object.FromGoType(v)
	}
}

func stringMapToAny(m map[string]string) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		out[k] = v
	}
	return out
}

// outboundRequest reads a call() request map: method, url, and optional
// headers and body.
func outboundRequest(arg object.Object) (*cascade.OutboundRequest, *object.Error) {
	value, err := convertObject(arg)
	if err != nil {
		return nil, object.NewError(err)
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, object.TypeErrorf("type error: request must be a map")
	}
	req := &cascade.OutboundRequest{}
	if method, ok := m["method"].(string); ok {
		req.Method = method
	}
	if url, ok := m["url"].(string); ok {
		req.URL = url
	}
	if req.Method == "" || req.URL == "" {
		return nil, object.TypeErrorf("type error: request requires method and url")
	}
	if headers, ok := m["headers"].(map[string]any); ok {
		req.Headers = map[string]string{}
		for k, v := range headers {
			req.Headers[k] = fmt.Sprintf("%v", v)
		}
	}
	if body, ok := m["body"].(string); ok {
		req.Body = []byte(body)
	}
	return req, nil
}

// stepOptions reads a step() options map: compensation name and retry
// policy.
func stepOptions(arg object.Object) (*cascade.StepOptions, error) {
	value, err := convertObject(arg)
	if err != nil {
		return nil, err
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("step options must be a map")
	}
	opts := &cascade.StepOptions{}
	if name, ok := m["compensation"].(string); ok {
		opts.Compensation = name
	}
	if retryValue, ok := m["retry"].(map[string]any); ok {
		policy := cascade.DefaultRetryPolicy()
		if v, ok := retryValue["max_attempts"].(int64); ok {
			policy.MaxAttempts = int(v)
		}
		if v, ok := numberValue(retryValue["initial_backoff"]); ok {
			policy.InitialBackoff = secondsToDuration(v)
		}
		if v, ok := numberValue(retryValue["max_backoff"]); ok {
			policy.MaxBackoff = secondsToDuration(v)
		}
		if v, ok := retryValue["multiplier"].(float64); ok {
			policy.Multiplier = v
		}
		if codes, ok := retryValue["non_retryable"].([]any); ok {
			for _, code := range codes {
				if s, ok := code.(string); ok {
					policy.NonRetryable = append(policy.NonRetryable, cascade.ErrorCode(s))
				}
			}
		}
		opts.Retry = &policy
	}
	return opts, nil
}

func numberValue(v any) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func eventToObject(event *cascade.Event) object.Object {
	if event == nil {
		return object.Nil
	}
	return toObject(map[string]any{
		"id":        event.ID,
		"type":      event.Type,
		"payload":   event.Payload,
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}
