package mcp

import (
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driving"
)

// Ports aggregates the driving ports the MCP server exposes.
type Ports struct {
	// KB answers queries and ingests papers.
	KB driving.KnowledgeBase
}

// Validate ensures all required ports are set.
func (p *Ports) Validate() error {
	if p.KB == nil {
		return ErrMissingKnowledgeBase
	}
	return nil
}
