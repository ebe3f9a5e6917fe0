// Package file resolves document references against a local library of
// TOML manifests and pre-extracted paper text.
//
// The library is laid out by source type:
//
//	<library>/arxiv/2401.12345.toml
//	<library>/arxiv/2401.12345.txt
//	<library>/doi/10.1000_xyz123.toml
//
// A manifest carries the paper metadata and either the text inline or the
// name of a text file next to it. Slashes in source ids become underscores
// in file names. Text files with a registered extension (for example .md or
// .html) are converted to plain text on load.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
)

// Ensure Fetcher implements the interface.
var _ driven.SourceFetcher = (*Fetcher)(nil)

// ManifestExt is the file extension of document manifests.
const ManifestExt = ".toml"

// InboxDir is the library subdirectory watched for new manifests.
const InboxDir = "inbox"

// publishedLayout is the date format of the published field.
const publishedLayout = "2006-01-02"

// Manifest describes one paper in the library.
type Manifest struct {
	SourceType string   `toml:"source_type"`
	SourceID   string   `toml:"source_id"`
	Title      string   `toml:"title"`
	Authors    []string `toml:"authors,omitempty"`
	Abstract   string   `toml:"abstract,omitempty"`
	URL        string   `toml:"url,omitempty"`
	Published  string   `toml:"published,omitempty"`

	// TextFile is relative to the manifest's directory.
	TextFile string `toml:"text_file,omitempty"`

	// Text is used when TextFile is empty.
	Text string `toml:"text,omitempty"`
}

// Converter turns marked-up paper text into plain text.
type Converter interface {
	driven.Normaliser

	// Title returns the title found in the markup, or "" if there is none.
	Title(text string) string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithConverter registers c for text files ending in ext.
func WithConverter(ext string, c Converter) Option {
	return func(f *Fetcher) {
		f.converters[strings.ToLower(ext)] = c
	}
}

// Fetcher serves documents from a library directory.
type Fetcher struct {
	dir        string
	converters map[string]Converter
}

// NewFetcher creates a fetcher over dir.
func NewFetcher(dir string, opts ...Option) *Fetcher {
	f := &Fetcher{dir: dir, converters: make(map[string]Converter)}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dir returns the library directory.
func (f *Fetcher) Dir() string {
	return f.dir
}

// InboxPath returns the directory watched for new manifests.
func (f *Fetcher) InboxPath() string {
	return filepath.Join(f.dir, InboxDir)
}

// ManifestPath returns where the manifest for ref is expected.
func (f *Fetcher) ManifestPath(ref domain.DocumentRef) (string, error) {
	n, err := ref.Normalise()
	if err != nil {
		return "", err
	}
	return filepath.Join(f.dir, string(n.SourceType), fileName(n.SourceID)+ManifestExt), nil
}

// Fetch returns the document and text for ref.
// Returns domain.ErrNotFound if the library has no manifest for it.
func (f *Fetcher) Fetch(ctx context.Context, ref domain.DocumentRef) (*driven.FetchedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := f.ManifestPath(ref)
	if err != nil {
		return nil, err
	}

	doc, err := f.ReadManifest(path)
	if err != nil {
		return nil, err
	}

	want, _ := ref.DocumentID()
	got, err := doc.Document.Ref().DocumentID()
	if err != nil {
		return nil, fmt.Errorf("file: %s: %w", path, err)
	}
	if got != want {
		return nil, fmt.Errorf("%w: file: manifest %s describes %s, not %s",
			domain.ErrInvalidInput, path, got, want)
	}
	return doc, nil
}

// Put writes a manifest and its text into the library and returns the
// manifest path.
func (f *Fetcher) Put(m Manifest, text string) (string, error) {
	ref := domain.DocumentRef{SourceType: domain.SourceType(m.SourceType), SourceID: m.SourceID}
	path, err := f.ManifestPath(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("file: creating library directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(path), ManifestExt)
	m.TextFile = base + ".txt"
	m.Text = ""
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), m.TextFile), []byte(text), 0600); err != nil {
		return "", fmt.Errorf("file: writing text: %w", err)
	}

	data, err := toml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("file: encoding manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("file: writing manifest: %w", err)
	}
	return path, nil
}

// ReadManifest parses a manifest file and loads its text, converting text
// files with a registered extension.
func (f *Fetcher) ReadManifest(path string) (*driven.FetchedDocument, error) {
	return readManifest(path, f.converters)
}

// ReadManifest parses a manifest file and loads its text as is.
func ReadManifest(path string) (*driven.FetchedDocument, error) {
	return readManifest(path, nil)
}

func readManifest(path string, converters map[string]Converter) (*driven.FetchedDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: file: no manifest at %s", domain.ErrNotFound, path)
		}
		return nil, fmt.Errorf("file: reading manifest: %w", err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: file: parsing %s: %w", domain.ErrInvalidInput, path, err)
	}

	doc, err := m.document()
	if err != nil {
		return nil, fmt.Errorf("file: %s: %w", path, err)
	}

	text := m.Text
	if m.TextFile != "" {
		textPath := m.TextFile
		if !filepath.IsAbs(textPath) {
			textPath = filepath.Join(filepath.Dir(path), textPath)
		}
		raw, err := os.ReadFile(textPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: file: text file %s missing", domain.ErrNotFound, textPath)
			}
			return nil, fmt.Errorf("file: reading text: %w", err)
		}
		text = string(raw)
		if c, ok := converters[strings.ToLower(filepath.Ext(textPath))]; ok {
			if doc.Title == "" {
				doc.Title = c.Title(text)
			}
			text = c.Normalise(text)
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: file: %s has no text", domain.ErrInvalidInput, path)
	}

	return &driven.FetchedDocument{Document: doc, RawText: text}, nil
}

func (m Manifest) document() (domain.Document, error) {
	ref, err := domain.DocumentRef{
		SourceType: domain.SourceType(m.SourceType),
		SourceID:   m.SourceID,
	}.Normalise()
	if err != nil {
		return domain.Document{}, err
	}

	doc := domain.Document{
		SourceType: ref.SourceType,
		SourceID:   ref.SourceID,
		Title:      strings.TrimSpace(m.Title),
		Authors:    m.Authors,
		Abstract:   strings.TrimSpace(m.Abstract),
		URL:        m.URL,
	}
	if doc.URL == "" {
		doc.URL = defaultURL(ref)
	}
	if m.Published != "" {
		t, err := time.Parse(publishedLayout, m.Published)
		if err != nil {
			return domain.Document{}, fmt.Errorf("%w: published date %q is not YYYY-MM-DD",
				domain.ErrInvalidInput, m.Published)
		}
		doc.PublishedDate = &t
	}
	return doc, nil
}

func defaultURL(ref domain.DocumentRef) string {
	switch ref.SourceType {
	case domain.SourceTypeArxiv:
		return "https://arxiv.org/abs/" + ref.SourceID
	case domain.SourceTypeDOI:
		return "https://doi.org/" + ref.SourceID
	default:
		return ""
	}
}

func fileName(sourceID string) string {
	return strings.ReplaceAll(sourceID, "/", "_")
}
