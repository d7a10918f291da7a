package loaders

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// RawLoader exports the resource verbatim as a string module.
type RawLoader struct{}

func (RawLoader) Name() string { return "raw-loader" }

func (RawLoader) Run(ctx *Context, input []byte, options map[string]any) ([]byte, error) {
	return []byte(fmt.Sprintf("module.exports = %s;\n", strconv.Quote(string(input)))), nil
}

// JSONLoader parses the resource as JSON and exports the parsed value. The
// parse round-trip normalizes the document and rejects invalid input at
// build time instead of at require time.
type JSONLoader struct{}

func (JSONLoader) Name() string { return "json-loader" }

func (JSONLoader) Run(ctx *Context, input []byte, options map[string]any) ([]byte, error) {
	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", ctx.ResourcePath, err)
	}
	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("module.exports = %s;\n", normalized)), nil
}

// MarkdownLoader renders the resource to HTML and exports it as a string.
// Options: "gfm" (bool, default true) toggles the GitHub flavored extensions.
type MarkdownLoader struct{}

func (MarkdownLoader) Name() string { return "markdown-loader" }

func (MarkdownLoader) Run(ctx *Context, input []byte, options map[string]any) ([]byte, error) {
	gfm := true
	if v, ok := options["gfm"].(bool); ok {
		gfm = v
	}
	var opts []goldmark.Option
	if gfm {
		opts = append(opts, goldmark.WithExtensions(extension.GFM))
	}
	md := goldmark.New(opts...)

	var buf bytes.Buffer
	if err := md.Convert(input, &buf); err != nil {
		return nil, fmt.Errorf("render markdown %s: %w", ctx.ResourcePath, err)
	}
	return []byte(fmt.Sprintf("module.exports = %s;\n", strconv.Quote(buf.String()))), nil
}
