package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

func requireString(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", invalidParams("%s is required and must be a non-empty string", key)
	}
	return v, nil
}

func optionalString(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func requireBool(params map[string]interface{}, key string) (bool, error) {
	v, ok := params[key].(bool)
	if !ok {
		return false, invalidParams("%s is required and must be a boolean", key)
	}
	return v, nil
}

func optionalFloat(params map[string]interface{}, key string) (*float64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	v, ok := raw.(float64)
	if !ok {
		return nil, invalidParams("%s must be a number", key)
	}
	return &v, nil
}

// decodeParams re-decodes the generic params map into a tagged struct.
func decodeParams(params map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return invalidParams("invalid params: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}
