// Package manifest models the trusted description of an installation: which
// files must exist, their expected size and SHA-256, and where replacement
// content is downloaded from.
package manifest

import (
	"errors"
	"path/filepath"
)

var (
	// ErrUnavailable means the manifest could not be fetched.
	ErrUnavailable = errors.New("manifest unavailable")
	// ErrMalformed means the manifest was fetched but cannot be trusted.
	ErrMalformed = errors.New("manifest malformed")
)

// Format identifies how a downloaded payload is packaged.
type Format string

const (
	FormatRaw     Format = "raw"
	FormatZstd    Format = "zstd"
	FormatXz      Format = "xz"
	FormatGzip    Format = "gzip"
	FormatTarZstd Format = "tar.zst"
	FormatTarXz   Format = "tar.xz"
	FormatTarGzip Format = "tar.gz"
	FormatZip     Format = "zip"
)

// IsArchive reports whether the payload holds more than one member.
func (f Format) IsArchive() bool {
	switch f {
	case FormatTarZstd, FormatTarXz, FormatTarGzip, FormatZip:
		return true
	}
	return false
}

// Source is a direct, single-file payload for one entry.
type Source struct {
	URL    string
	SHA256 string
	Size   int64
	Format Format
}

// ArchiveRef places an entry inside a declared archive.
type ArchiveRef struct {
	ID     string
	Member string
}

// Entry describes one expected file. Path is the slash-separated path
// relative to the installation root. Exactly one of Source and Archive is set.
type Entry struct {
	Path    string
	SHA256  string
	Size    int64
	Source  Source
	Archive ArchiveRef
}

// InArchive reports whether the entry is delivered inside an archive.
func (e Entry) InArchive() bool { return e.Archive.ID != "" }

// OSPath returns Path with OS separators.
func (e Entry) OSPath() string { return filepath.FromSlash(e.Path) }

// Archive is a multi-file payload referenced by entries.
type Archive struct {
	ID     string
	URL    string
	SHA256 string
	Size   int64
	Format Format
}

// Payload is what must be downloaded to repair an entry.
type Payload struct {
	// ID is the archive id, or the entry path for direct payloads.
	ID     string
	URL    string
	SHA256 string
	Size   int64
	Format Format
}

// Set is a loaded, validated manifest. Entries keep manifest order. A Set is
// read-only and safe for concurrent use.
type Set struct {
	Game    string
	Version string

	entries  []Entry
	index    map[string]int
	archives map[string]Archive
	members  map[string][]int
}

// Len returns the number of entries.
func (s *Set) Len() int { return len(s.entries) }

// Entry returns the i-th entry in manifest order.
func (s *Set) Entry(i int) Entry { return s.entries[i] }

// Entries returns a copy of all entries in manifest order.
func (s *Set) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Lookup returns the entry for a slash-separated relative path.
func (s *Set) Lookup(path string) (Entry, bool) {
	i, ok := s.index[path]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Archive returns a declared archive by id.
func (s *Set) Archive(id string) (Archive, bool) {
	a, ok := s.archives[id]
	return a, ok
}

// MembersOf returns the entries delivered by archive id, in manifest order.
func (s *Set) MembersOf(id string) []Entry {
	idx := s.members[id]
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.entries[i])
	}
	return out
}

// PayloadFor returns the payload that repairs e and every entry that payload
// delivers. For direct sources that is e alone.
func (s *Set) PayloadFor(e Entry) (Payload, []Entry) {
	if e.InArchive() {
		a := s.archives[e.Archive.ID]
		return Payload{ID: a.ID, URL: a.URL, SHA256: a.SHA256, Size: a.Size, Format: a.Format}, s.MembersOf(a.ID)
	}
	return Payload{
		ID:     e.Path,
		URL:    e.Source.URL,
		SHA256: e.Source.SHA256,
		Size:   e.Source.Size,
		Format: e.Source.Format,
	}, []Entry{e}
}

// TotalSize is the sum of all entry sizes.
func (s *Set) TotalSize() int64 {
	var n int64
	for _, e := range s.entries {
		n += e.Size
	}
	return n
}
