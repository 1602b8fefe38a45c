// Package editor applies literal search-replace operations to virtual files.
package editor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReplacementOp replaces a literal substring in one file.
type ReplacementOp struct {
	FilePath   string `json:"filePath"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

// OpResult is the outcome of one operation.
type OpResult struct {
	FilePath     string `json:"filePath"`
	OK           bool   `json:"ok"`
	Replacements int    `json:"replacements"`
	Message      string `json:"message"`
}

// Line renders the result as a single status line.
func (r OpResult) Line() string {
	status := "ok"
	if !r.OK {
		status = "failed"
	}
	return fmt.Sprintf("[%s] %s: %s", status, r.FilePath, r.Message)
}

// Result is the outcome of a batch. Ops are grouped by file in order of each
// file's first appearance, then by submission order within a file.
type Result struct {
	Ops          []OpResult `json:"ops"`
	TouchedFiles []string   `json:"touchedFiles"`
}

// Lines returns one status line per operation.
func (r *Result) Lines() []string {
	lines := make([]string, len(r.Ops))
	for i, op := range r.Ops {
		lines[i] = op.Line()
	}
	return lines
}

// Editor runs batches against a FileStore.
type Editor struct {
	store       FileStore
	concurrency int
	logger      *zap.Logger
}

// New creates an editor. concurrency bounds how many files are processed at
// once; zero or less means unbounded.
func New(store FileStore, concurrency int, logger *zap.Logger) *Editor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{store: store, concurrency: concurrency, logger: logger}
}

type fileGroup struct {
	path string
	ops  []ReplacementOp
}

func groupByFile(ops []ReplacementOp) []fileGroup {
	index := make(map[string]int)
	var groups []fileGroup
	for _, op := range ops {
		i, ok := index[op.FilePath]
		if !ok {
			i = len(groups)
			index[op.FilePath] = i
			groups = append(groups, fileGroup{path: op.FilePath})
		}
		groups[i].ops = append(groups[i].ops, op)
	}
	return groups
}

// Apply runs the batch. Files are processed concurrently; operations on the
// same file run in order, each against the previous one's output, and each
// changed file is written exactly once. Failures are reported per operation.
func (e *Editor) Apply(ctx context.Context, sessionID string, ops []ReplacementOp) *Result {
	groups := groupByFile(ops)
	perFile := make([][]OpResult, len(groups))
	touched := make([]bool, len(groups))

	var g errgroup.Group
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, grp := range groups {
		g.Go(func() error {
			perFile[i], touched[i] = e.applyFile(ctx, sessionID, grp)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Ops: make([]OpResult, 0, len(ops)), TouchedFiles: []string{}}
	for i, results := range perFile {
		res.Ops = append(res.Ops, results...)
		if touched[i] {
			res.TouchedFiles = append(res.TouchedFiles, groups[i].path)
		}
	}
	return res
}

func (e *Editor) applyFile(ctx context.Context, sessionID string, grp fileGroup) ([]OpResult, bool) {
	results := make([]OpResult, len(grp.ops))

	original, err := e.store.Get(ctx, sessionID, grp.path)
	if err != nil {
		msg := "file not found"
		if !errors.Is(err, ErrFileNotFound) {
			msg = "read failed: " + err.Error()
			e.logger.Warn("editor read failed", zap.String("path", grp.path), zap.Error(err))
		}
		for i := range grp.ops {
			results[i] = OpResult{FilePath: grp.path, Message: msg}
		}
		return results, false
	}

	content := original
	for i, op := range grp.ops {
		var r OpResult
		content, r = applyOp(content, op)
		results[i] = r
	}

	if content == original {
		return results, false
	}
	if err := e.store.Set(ctx, sessionID, grp.path, content); err != nil {
		e.logger.Warn("editor write failed", zap.String("path", grp.path), zap.Error(err))
		for i := range results {
			if results[i].OK {
				results[i] = OpResult{FilePath: grp.path, Message: "write failed: " + err.Error()}
			}
		}
		return results, false
	}
	return results, true
}

// applyOp performs one literal replacement.
func applyOp(content string, op ReplacementOp) (string, OpResult) {
	r := OpResult{FilePath: op.FilePath}
	if op.OldString == "" {
		r.Message = "oldString must not be empty"
		return content, r
	}

	n := strings.Count(content, op.OldString)
	if n == 0 {
		r.Message = fmt.Sprintf("oldString not found: %s", preview(op.OldString))
		return content, r
	}

	if op.ReplaceAll {
		content = strings.ReplaceAll(content, op.OldString, op.NewString)
	} else {
		content = strings.Replace(content, op.OldString, op.NewString, 1)
		n = 1
	}
	r.OK = true
	r.Replacements = n
	r.Message = fmt.Sprintf("replaced %d occurrence(s) of %s", n, preview(op.OldString))
	return content, r
}

func preview(s string) string {
	const limit = 40
	if utf8.RuneCountInString(s) > limit {
		s = string([]rune(s)[:limit]) + "..."
	}
	return fmt.Sprintf("%q", s)
}
