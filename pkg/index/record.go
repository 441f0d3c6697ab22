// Package index projects archived documents into a search engine and
// keeps the projection convergent with the registry. The registry stays
// the source of truth: the index is derived state, safe to drop and
// rebuild, and ingestion never waits for it.
package index

import (
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/fooker/adacta/pkg/document"
)

// Record is the search-engine projection of one document.
type Record struct {
	ID         string            `json:"id"`
	Version    int64             `json:"version"`
	Title      string            `json:"title,omitempty"`
	Text       string            `json:"text,omitempty"`
	Labels     []string          `json:"labels,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Pages      int               `json:"pages,omitempty"`
	Status     string            `json:"status"`
	UploadedAt time.Time         `json:"uploaded_at"`
	ArchivedAt *time.Time        `json:"archived_at,omitempty"`
}

// BuildRecord projects a document and its extracted plaintext. Title and
// text are normalized to NFC so queries match regardless of the Unicode
// form an extractor happened to emit.
func BuildRecord(doc document.Document, plaintext []byte) Record {
	return Record{
		ID:         doc.ID,
		Version:    doc.Version,
		Title:      norm.NFC.String(doc.Title),
		Text:       norm.NFC.String(string(plaintext)),
		Labels:     doc.Labels,
		Properties: doc.Properties,
		Pages:      doc.Pages,
		Status:     string(doc.Status),
		UploadedAt: doc.UploadedAt,
		ArchivedAt: doc.ArchivedAt,
	}
}
