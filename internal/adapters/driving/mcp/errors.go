// Package mcp provides an MCP (Model Context Protocol) server adapter for the
// knowledge base. It lets AI assistants ingest papers and ask cited questions.
package mcp

import "errors"

// ErrMissingKnowledgeBase is returned when the knowledge base is not provided.
var ErrMissingKnowledgeBase = errors.New("mcp: knowledge base is required")
