// Package html converts HTML renderings of papers into plain text for the
// library fetcher. It strips tags, scripts, styles and page chrome, and
// decodes entities.
package html
