// Package content measures document text for change detection.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cdr.dev/slog/v3"
	"github.com/cespare/xxhash/v2"
)

const DefaultMaxTemplateDepth = 5

// TemplateSource loads the builder tree of a stored template.
type TemplateSource interface {
	TemplateTree(ctx context.Context, templateID string) ([]byte, error)
}

// Metrics are the comparable measurements of one document revision.
type Metrics struct {
	Text           string
	Length         int
	StrippedLength int
	WordCount      int
	BuilderHash    string
	BuilderLength  int
	// SkippedNodes counts builder nodes and templates that could not be read.
	SkippedNodes int
}

type Extractor struct {
	templates TemplateSource
	maxDepth  int
	logger    slog.Logger
}

// NewExtractor returns an extractor. templates may be nil, in which case
// template references contribute no text.
func NewExtractor(templates TemplateSource, maxDepth int, logger slog.Logger) *Extractor {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxTemplateDepth
	}
	return &Extractor{templates: templates, maxDepth: maxDepth, logger: logger}
}

// Extract measures raw markup plus the text found in builderData.
func (e *Extractor) Extract(ctx context.Context, raw string, builderData []byte) Metrics {
	m := Metrics{Length: runeLen(raw)}
	parts := []string{StripMarkup(raw)}

	if len(builderData) > 0 {
		m.BuilderHash, m.BuilderLength = Fingerprint(builderData)

		nodes, skipped, err := ParseTree(builderData)
		if err != nil {
			e.logger.Debug(ctx, "builder data unreadable", slog.Error(err))
			m.SkippedNodes++
		}
		w := &walker{extractor: e, visited: map[string]bool{}, skipped: skipped}
		w.walk(ctx, nodes, 0)
		parts = append(parts, w.texts...)
		m.SkippedNodes += w.skipped
	}

	m.Text = strings.Join(nonEmpty(parts), " ")
	m.StrippedLength = runeLen(m.Text)
	m.WordCount = CountWords(m.Text)
	return m
}

// BuilderHash fingerprints builder data by content, ignoring whitespace and
// key order.
func BuilderHash(data []byte) string {
	hash, _ := Fingerprint(data)
	return hash
}

// Fingerprint returns the hash and byte length of the canonical form of data.
func Fingerprint(data []byte) (string, int) {
	canonical := CanonicalBuilder(data)
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical)), len(canonical)
}

// CanonicalBuilder re-encodes builder JSON compactly with sorted object keys,
// so a tree read back from a JSONB column matches the one a client posted.
// Input that is not a single JSON value is returned trimmed.
func CanonicalBuilder(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return trimmed
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return trimmed
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

type walker struct {
	extractor *Extractor
	visited   map[string]bool
	texts     []string
	skipped   int
}

func (w *walker) walk(ctx context.Context, nodes []Node, depth int) {
	for _, node := range nodes {
		w.skipped += node.Skipped
		w.walk(ctx, node.Elements, depth)
		for _, text := range node.Settings.Texts {
			if stripped := StripMarkup(text); stripped != "" {
				w.texts = append(w.texts, stripped)
			}
		}
		if node.IsTemplate() {
			w.template(ctx, node.Settings.TemplateID, depth+1)
		}
	}
}

func (w *walker) template(ctx context.Context, id string, depth int) {
	e := w.extractor
	if e.templates == nil {
		return
	}
	if depth > e.maxDepth {
		e.logger.Debug(ctx, "template depth exceeded", slog.F("template_id", id), slog.F("depth", depth))
		w.skipped++
		return
	}
	if w.visited[id] {
		e.logger.Debug(ctx, "template cycle", slog.F("template_id", id))
		w.skipped++
		return
	}
	w.visited[id] = true
	defer delete(w.visited, id)

	data, err := e.templates.TemplateTree(ctx, id)
	if err != nil {
		e.logger.Debug(ctx, "template lookup failed", slog.F("template_id", id), slog.Error(err))
		w.skipped++
		return
	}
	nodes, skipped, err := ParseTree(data)
	w.skipped += skipped
	if err != nil {
		w.skipped++
		return
	}
	w.walk(ctx, nodes, depth)
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
