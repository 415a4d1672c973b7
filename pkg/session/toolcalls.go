package session

import (
	"encoding/json"

	"github.com/sipeed/picoclaw/pkg/providers"
)

func encodeToolCalls(tc []providers.ToolCall) (string, error) {
	data, err := json.Marshal(tc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeToolCalls(raw string) ([]providers.ToolCall, error) {
	var tc []providers.ToolCall
	if err := json.Unmarshal([]byte(raw), &tc); err != nil {
		return nil, err
	}
	return tc, nil
}
