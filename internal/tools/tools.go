// Package tools declares the concrete capabilities served by the runtime.
package tools

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/editor"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/retrieval"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/rowstore"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/search"
	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

// Permission tags.
const (
	PermDBRead    = "db:read"
	PermDBWrite   = "db:write"
	PermWebSearch = "web:search"
	PermKBRead    = "kb:read"
	PermCodeRead  = "code:read"
	PermCodeWrite = "code:write"
)

const version = "1.0.0"

// Deps are the collaborators the tools run against. Nil members are replaced
// with implementations that report the capability as unconfigured.
type Deps struct {
	Rows        rowstore.Connector
	WebSearch   search.Provider
	ImageSearch search.Provider
	Knowledge   *retrieval.Catalog
	Merger      *retrieval.Merger
	Files       editor.FileStore
	Editor      *editor.Editor
	Logger      *zap.Logger
}

func (d *Deps) withDefaults() {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Rows == nil {
		d.Rows = rowstore.StaticConnector{}
	}
	if d.WebSearch == nil {
		d.WebSearch = search.Unconfigured{}
	}
	if d.ImageSearch == nil {
		d.ImageSearch = search.Unconfigured{}
	}
	if d.Merger == nil {
		d.Merger = retrieval.NewMerger(0, d.Logger)
	}
	if d.Files == nil {
		d.Files = editor.NewMemoryFileStore()
	}
	if d.Editor == nil {
		d.Editor = editor.New(d.Files, 0, d.Logger)
	}
}

// Descriptors returns every capability bound to deps.
func Descriptors(deps Deps) []tool.Descriptor {
	deps.withDefaults()
	rows := &rowTools{conn: deps.Rows, logger: deps.Logger}
	return []tool.Descriptor{
		rows.listTables(),
		rows.describeTable(),
		rows.selectRows(),
		rows.write(),
		searchTool("web_search", "Search the web and return ranked text snippets.", deps.WebSearch),
		searchTool("image_search", "Search for images and return matching image results.", deps.ImageSearch),
		knowledgeSearch(deps.Knowledge, deps.Merger),
		readFile(deps.Files),
		editFiles(deps.Editor),
	}
}

// RegisterAll registers every capability and seals the registry.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	for _, d := range Descriptors(deps) {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("RegisterAll: %w", err)
		}
	}
	reg.Seal()
	return nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func meta(category string, timeout time.Duration, retries int) tool.Metadata {
	return tool.Metadata{Category: category, Timeout: timeout, MaxRetries: retries}
}
