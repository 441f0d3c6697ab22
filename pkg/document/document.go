// Package document defines the archive's core record: an immutable specimen
// blob plus derived artifacts keyed by kind, metadata, and a monotonically
// versioned lifecycle. Documents hold content hashes, never bytes.
package document

import (
	"time"

	"github.com/google/uuid"

	"github.com/fooker/adacta/pkg/blob"
)

// Document is a registry record. Version increments on every content
// mutation and orders all writes for one document; IndexedVersion trails it,
// tracking the last version projected into the search index.
type Document struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Status  Status `json:"status"`

	// Specimen is the original uploaded content. It never changes over the
	// document's lifetime.
	Specimen blob.Ref `json:"specimen"`

	// Artifacts maps derived-artifact kinds to their content addresses.
	Artifacts map[Kind]blob.Ref `json:"artifacts,omitempty"`

	Title      string            `json:"title,omitempty"`
	Pages      int               `json:"pages,omitempty"`
	Labels     []string          `json:"labels,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`

	UploadedAt time.Time  `json:"uploaded_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	// IndexedVersion is the sync marker maintained by the index
	// synchronizer. 0 means never indexed.
	IndexedVersion int64 `json:"indexed_version"`
}

// New creates a freshly ingested document for the given specimen.
func New(specimen blob.Ref, uploadedAt time.Time) Document {
	return Document{
		ID:         uuid.NewString(),
		Version:    1,
		Status:     StatusIngested,
		Specimen:   specimen,
		Artifacts:  make(map[Kind]blob.Ref),
		UploadedAt: uploadedAt,
	}
}

// Clone returns a deep copy. Mutating the copy never affects the original.
func (d Document) Clone() Document {
	cp := d
	if d.Artifacts != nil {
		cp.Artifacts = make(map[Kind]blob.Ref, len(d.Artifacts))
		for k, v := range d.Artifacts {
			cp.Artifacts[k] = v
		}
	}
	if d.Labels != nil {
		cp.Labels = append([]string(nil), d.Labels...)
	}
	if d.Properties != nil {
		cp.Properties = make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			cp.Properties[k] = v
		}
	}
	if d.ArchivedAt != nil {
		t := *d.ArchivedAt
		cp.ArchivedAt = &t
	}
	return cp
}

// Available returns every artifact the document currently holds, keyed by
// kind, with the specimen included under KindSpecimen. This is the initial
// available set for pipeline scheduling.
func (d Document) Available() map[Kind]blob.Ref {
	out := make(map[Kind]blob.Ref, len(d.Artifacts)+1)
	for k, v := range d.Artifacts {
		out[k] = v
	}
	if d.Specimen != "" {
		out[KindSpecimen] = d.Specimen
	}
	return out
}

// Refs returns all blob refs the document holds, deduplicated. Used by
// export and garbage collection to compute the live set.
func (d Document) Refs() []blob.Ref {
	seen := make(map[blob.Ref]bool, len(d.Artifacts)+1)
	refs := make([]blob.Ref, 0, len(d.Artifacts)+1)
	if d.Specimen != "" {
		seen[d.Specimen] = true
		refs = append(refs, d.Specimen)
	}
	for _, ref := range d.Artifacts {
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs
}
