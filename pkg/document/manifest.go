package document

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/fooker/adacta/pkg/canonical"
)

// ManifestVersion is stamped into every encoded document manifest. Decoding
// accepts any manifest sharing the same major version.
const ManifestVersion = "1.0.0"

// Manifest is the portable serialized form of a Document: a versioned
// envelope that round-trips losslessly for export, backup, and recovery.
type Manifest struct {
	ManifestVersion string   `json:"manifest_version"`
	Document        Document `json:"document"`
}

// EncodeManifest serializes doc as canonical JSON. Equal documents yield
// byte-identical manifests, so manifest digests are stable.
func EncodeManifest(doc Document) ([]byte, error) {
	data, err := canonical.JSON(Manifest{
		ManifestVersion: ManifestVersion,
		Document:        doc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode document manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest parses a manifest produced by EncodeManifest, rejecting
// incompatible manifest versions.
func DecodeManifest(data []byte) (Document, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Document{}, fmt.Errorf("failed to decode document manifest: %w", err)
	}

	have, err := semver.NewVersion(m.ManifestVersion)
	if err != nil {
		return Document{}, fmt.Errorf("bad manifest version %q: %w", m.ManifestVersion, err)
	}
	want := semver.MustParse(ManifestVersion)
	if have.Major() != want.Major() {
		return Document{}, fmt.Errorf("manifest version %s incompatible with %s", m.ManifestVersion, ManifestVersion)
	}

	return m.Document, nil
}
