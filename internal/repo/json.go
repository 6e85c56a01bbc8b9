package repo

import (
	"encoding/json"
	"fmt"
	"strings"
)

func toJSON(val map[string]any) ([]byte, error) {
	if val == nil {
		return nil, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func jsonParam(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

func messageTypeOrText(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return "text"
	}
	return t
}
