package tools

import (
	"context"
	"errors"
	"time"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/editor"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

type readFileArgs struct {
	Path string `json:"path"`
}

func readFile(files editor.FileStore) tool.Descriptor {
	return tool.Descriptor{
		Name:        "read_file",
		Version:     version,
		Description: "Read a file from the session's codebase.",
		Parameters: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"path": map[string]any{"type": "string", "minLength": 1}},
			"required":             []any{"path"},
			"additionalProperties": false,
		},
		Permissions: []string{PermCodeRead},
		Metadata:    meta("code", 5*time.Second, 2),
		Handler: tool.Typed(func(ctx context.Context, args readFileArgs, ec tool.ExecutionContext) (tool.Outcome, error) {
			if ec.SessionID == "" {
				return tool.Fail(tool.KindValidation, "no session in context"), nil
			}
			content, err := files.Get(ctx, ec.SessionID, args.Path)
			if errors.Is(err, editor.ErrFileNotFound) {
				return tool.Failf(tool.KindNotFound, "file %q does not exist", args.Path), nil
			}
			if err != nil {
				return nil, tool.Transient(err)
			}
			return tool.Ok(map[string]any{"path": args.Path, "content": content}), nil
		}),
	}
}

type editFilesArgs struct {
	Edits []editor.ReplacementOp `json:"edits"`
}

func editFiles(ed *editor.Editor) tool.Descriptor {
	return tool.Descriptor{
		Name:        "edit_files",
		Version:     version,
		Description: "Apply literal search-replace edits to files in the session's codebase. Edits to the same file apply in order.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"edits": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"filePath":   map[string]any{"type": "string", "minLength": 1},
							"oldString":  map[string]any{"type": "string"},
							"newString":  map[string]any{"type": "string"},
							"replaceAll": map[string]any{"type": "boolean"},
						},
						"required":             []any{"filePath", "oldString", "newString"},
						"additionalProperties": false,
					},
				},
			},
			"required":             []any{"edits"},
			"additionalProperties": false,
		},
		Permissions: []string{PermCodeWrite},
		Metadata:    meta("code", 30*time.Second, 0),
		Handler: tool.Typed(func(ctx context.Context, args editFilesArgs, ec tool.ExecutionContext) (tool.Outcome, error) {
			if ec.SessionID == "" {
				return tool.Fail(tool.KindValidation, "no session in context"), nil
			}
			res := ed.Apply(ctx, ec.SessionID, args.Edits)
			return tool.Ok(map[string]any{
				"status":       res.Lines(),
				"touchedFiles": res.TouchedFiles,
			}), nil
		}),
	}
}
