package document

import "strings"

// Kind names the role of an artifact within a document. Pipeline steps
// declare their inputs and outputs in terms of kinds; the well-known kinds
// below cover the standard pipeline, and free-form kinds are allowed for
// custom steps.
type Kind string

const (
	// KindSpecimen is the original uploaded document, the root of every
	// pipeline run.
	KindSpecimen Kind = "specimen"
	// KindPlaintext is the extracted text content, input to indexing.
	KindPlaintext Kind = "plaintext"
	// KindPreview is the rendered preview image.
	KindPreview Kind = "preview"
	// KindMetadata is extracted structured metadata.
	KindMetadata Kind = "metadata"
)

const logKindSuffix = ".log"

// LogKind returns the artifact kind holding the captured execution log of
// the named pipeline step.
func LogKind(step string) Kind {
	return Kind(step + logKindSuffix)
}

// IsLog reports whether the kind is a step execution log.
func (k Kind) IsLog() bool {
	return strings.HasSuffix(string(k), logKindSuffix)
}

// Filename returns the file name an artifact of this kind takes when
// materialized into a step workspace or served out of the archive.
func (k Kind) Filename() string {
	switch k {
	case KindSpecimen:
		return "document.pdf"
	case KindPlaintext:
		return "document.txt"
	case KindPreview:
		return "preview.png"
	case KindMetadata:
		return "metadata.json"
	default:
		return string(k)
	}
}
