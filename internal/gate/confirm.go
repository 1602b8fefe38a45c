package gate

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

// targetFields are argument names that identify what a call acts on, in
// preference order.
var targetFields = []string{"table", "path", "filePath", "target", "id"}

// confirmPayload builds the payload shown to the caller. A descriptor's
// Confirm func wins unless it returns a zero payload. A panic in Confirm is
// returned as an error.
func confirmPayload(desc *tool.Descriptor, raw json.RawMessage, args map[string]any) (tool.ConfirmPayload, error) {
	if desc.Confirm != nil {
		p, err := customPayload(desc, raw)
		if err != nil {
			return tool.ConfirmPayload{}, err
		}
		if p.Kind != "" || p.Title != "" {
			if p.Kind == "" {
				p.Kind = "tool_call"
			}
			if p.Details == nil {
				p.Details = map[string]any{}
			}
			p.Details["tool"] = desc.Name
			return p, nil
		}
	}
	return defaultPayload(desc, args), nil
}

func customPayload(desc *tool.Descriptor, raw json.RawMessage) (p tool.ConfirmPayload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("confirm payload for %s panicked: %v", desc.Name, r)
		}
	}()
	return desc.Confirm(raw), nil
}

func defaultPayload(desc *tool.Descriptor, args map[string]any) tool.ConfirmPayload {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	details := map[string]any{
		"tool":         desc.Name,
		"affectedKeys": keys,
	}
	for _, f := range targetFields {
		if s, ok := args[f].(string); ok && s != "" {
			details["target"] = s
			break
		}
	}

	return tool.ConfirmPayload{
		Kind:    "tool_call",
		Title:   "Run " + desc.Name,
		Details: details,
	}
}
