package blob

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/fooker/adacta/pkg/canonical"
)

// BundleFormatVersion is stamped into every exported bundle manifest.
// Imports accept any bundle sharing the same major version.
const BundleFormatVersion = "1.0.0"

const bundleManifestName = "manifest.json"

// ErrBundleFormat marks bundles that cannot be read at all: not a tar
// stream, missing manifest, or an incompatible format version.
var ErrBundleFormat = errors.New("invalid bundle format")

type bundleManifest struct {
	FormatVersion string        `json:"format_version"`
	CreatedAt     time.Time     `json:"created_at"`
	Entries       []bundleEntry `json:"entries"`
}

type bundleEntry struct {
	Ref     Ref       `json:"ref"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Export writes the selected blobs to w as a tar bundle. The first entry is
// a canonical-JSON manifest listing all content addresses in sorted order.
// Duplicate refs are exported once. Returns the number of blobs exported.
func Export(ctx context.Context, store Store, refs []Ref, w io.Writer) (int, error) {
	seen := make(map[Ref]bool, len(refs))
	unique := make([]Ref, 0, len(refs))
	for _, ref := range refs {
		if !seen[ref] {
			seen[ref] = true
			unique = append(unique, ref)
		}
	}
	refs = unique
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })

	manifest := bundleManifest{
		FormatVersion: BundleFormatVersion,
		CreatedAt:     time.Now().UTC(),
		Entries:       make([]bundleEntry, 0, len(refs)),
	}
	for _, ref := range refs {
		info, err := store.Stat(ctx, ref)
		if err != nil {
			return 0, fmt.Errorf("failed to stat %s: %w", ref, err)
		}
		manifest.Entries = append(manifest.Entries, bundleEntry{
			Ref:     ref,
			Size:    info.Size,
			ModTime: info.ModTime.UTC(),
		})
	}

	manifestData, err := canonical.JSON(manifest)
	if err != nil {
		return 0, fmt.Errorf("failed to encode bundle manifest: %w", err)
	}

	tw := tar.NewWriter(w)
	if err := writeTarEntry(tw, bundleManifestName, manifestData, manifest.CreatedAt); err != nil {
		return 0, err
	}

	for _, entry := range manifest.Entries {
		data, err := store.Get(ctx, entry.Ref)
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", entry.Ref, err)
		}
		name := string(entry.Ref.Algorithm()) + "/" + entry.Ref.Hex() + ".blob"
		if err := writeTarEntry(tw, name, data, entry.ModTime); err != nil {
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize bundle: %w", err)
	}
	return len(manifest.Entries), nil
}

// Import restores all blobs from a bundle previously written by Export.
// Every entry is verified against its recorded content address before it
// is stored, and the restored ref must equal the recorded one. Blobs
// already present in the store are harmless (Put is idempotent).
// Returns the number of blobs restored.
func Import(ctx context.Context, store Store, r io.Reader) (int, error) {
	tr := tar.NewReader(r)

	hdr, err := tr.Next()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBundleFormat, err)
	}
	if hdr.Name != bundleManifestName {
		return 0, fmt.Errorf("%w: first entry is %q, want %q", ErrBundleFormat, hdr.Name, bundleManifestName)
	}

	manifestData, err := io.ReadAll(tr)
	if err != nil {
		return 0, fmt.Errorf("failed to read bundle manifest: %w", err)
	}
	var manifest bundleManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return 0, fmt.Errorf("%w: bad manifest: %v", ErrBundleFormat, err)
	}
	if err := checkBundleVersion(manifest.FormatVersion); err != nil {
		return 0, err
	}

	expected := make(map[Ref]bundleEntry, len(manifest.Entries))
	for _, entry := range manifest.Entries {
		expected[entry.Ref] = entry
	}

	restored := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("failed to read bundle: %w", err)
		}

		ref, ok := refFromBundleName(hdr.Name)
		if !ok {
			return restored, fmt.Errorf("%w: unexpected entry %q", ErrBundleFormat, hdr.Name)
		}
		if _, ok := expected[ref]; !ok {
			return restored, fmt.Errorf("%w: entry %s not in manifest", ErrBundleFormat, ref)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return restored, fmt.Errorf("failed to read entry %s: %w", ref, err)
		}
		if err := Verify(ref, data); err != nil {
			return restored, fmt.Errorf("bundle entry corrupt: %w", err)
		}

		got, err := store.Put(ctx, data)
		if err != nil {
			return restored, fmt.Errorf("failed to restore %s: %w", ref, err)
		}
		if got != ref {
			return restored, fmt.Errorf("entry %s restored under different ref %s (store hashes with %s)", ref, got, got.Algorithm())
		}

		delete(expected, ref)
		restored++
	}

	if len(expected) > 0 {
		return restored, fmt.Errorf("%w: %d manifest entries missing from archive", ErrBundleFormat, len(expected))
	}
	return restored, nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write bundle entry %s: %w", name, err)
	}
	if _, err := io.Copy(tw, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write bundle entry %s: %w", name, err)
	}
	return nil
}

func refFromBundleName(name string) (Ref, bool) {
	alg, rest, ok := strings.Cut(name, "/")
	if !ok || !strings.HasSuffix(rest, ".blob") {
		return "", false
	}
	ref, err := ParseRef(alg + ":" + strings.TrimSuffix(rest, ".blob"))
	if err != nil {
		return "", false
	}
	return ref, true
}

func checkBundleVersion(version string) error {
	have, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: bad format version %q: %v", ErrBundleFormat, version, err)
	}
	want := semver.MustParse(BundleFormatVersion)
	if have.Major() != want.Major() {
		return fmt.Errorf("%w: format version %s incompatible with %s", ErrBundleFormat, version, BundleFormatVersion)
	}
	return nil
}
