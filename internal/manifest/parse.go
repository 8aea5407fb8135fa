package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/BadgerOps/gamescan/internal/safety"
	"github.com/klauspost/compress/zstd"
)

// maxDecodedSize bounds the decompressed size of a zstd-wrapped manifest.
const maxDecodedSize = 512 << 20

// maxReportedProblems caps how many validation problems go into one error.
const maxReportedProblems = 10

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type wireManifest struct {
	Game     string        `json:"game"`
	Version  string        `json:"version"`
	Archives []wireArchive `json:"archives"`
	Files    []wireFile    `json:"files"`
}

type wireArchive struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
	Size   *int64 `json:"size"`
	Format string `json:"format"`
}

type wireFile struct {
	Path    string          `json:"path"`
	SHA256  string          `json:"sha256"`
	Size    *int64          `json:"size"`
	Source  *wireSource     `json:"source,omitempty"`
	Archive *wireArchiveRef `json:"archive,omitempty"`
}

type wireSource struct {
	URL         string `json:"url"`
	SHA256      string `json:"sha256,omitempty"`
	Size        *int64 `json:"size,omitempty"`
	Compression string `json:"compression,omitempty"`
}

type wireArchiveRef struct {
	ID     string `json:"id"`
	Member string `json:"member,omitempty"`
}

// Parse decodes and validates a manifest document. The document is JSON,
// optionally wrapped in a zstd frame. Relative payload URLs are resolved
// against base; with a nil base they must be absolute.
//
// Any invalid entry rejects the whole manifest with ErrMalformed.
func Parse(data []byte, base *url.URL) (*Set, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		decoded, err := decompress(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		data = decoded
	}

	var wm wireManifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&wm); err != nil {
		return nil, fmt.Errorf("%w: decoding json: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after manifest document", ErrMalformed)
	}

	v := &validator{base: base}
	set := v.build(&wm)
	if len(v.problems) > 0 {
		return nil, v.err()
	}
	return set, nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing manifest: %w", err)
	}
	return out, nil
}

type validator struct {
	base     *url.URL
	problems []string
	total    int
}

func (v *validator) addf(format string, args ...any) {
	v.total++
	if len(v.problems) < maxReportedProblems {
		v.problems = append(v.problems, fmt.Sprintf(format, args...))
	}
}

func (v *validator) err() error {
	msg := strings.Join(v.problems, "; ")
	if extra := v.total - len(v.problems); extra > 0 {
		msg += fmt.Sprintf(" (and %d more)", extra)
	}
	return fmt.Errorf("%w: %s", ErrMalformed, msg)
}

func (v *validator) build(wm *wireManifest) *Set {
	set := &Set{
		Game:     wm.Game,
		Version:  wm.Version,
		entries:  make([]Entry, 0, len(wm.Files)),
		index:    make(map[string]int, len(wm.Files)),
		archives: make(map[string]Archive, len(wm.Archives)),
		members:  make(map[string][]int),
	}

	for i, wa := range wm.Archives {
		where := fmt.Sprintf("archives[%d]", i)
		if wa.ID == "" {
			v.addf("%s: missing id", where)
			continue
		}
		where = fmt.Sprintf("archive %q", wa.ID)
		if _, dup := set.archives[wa.ID]; dup {
			v.addf("%s: declared more than once", where)
			continue
		}
		a := Archive{
			ID:     wa.ID,
			URL:    v.resolveURL(where, wa.URL),
			SHA256: v.checkHash(where, wa.SHA256),
			Size:   v.checkSize(where, wa.Size),
			Format: Format(wa.Format),
		}
		if !a.Format.IsArchive() {
			v.addf("%s: unsupported archive format %q", where, wa.Format)
		}
		set.archives[a.ID] = a
	}

	seenMembers := make(map[string]map[string]string)
	for i, wf := range wm.Files {
		where := fmt.Sprintf("files[%d]", i)
		key, err := safety.ManifestKey(wf.Path)
		if err != nil {
			v.addf("%s: %v", where, err)
			continue
		}
		where = fmt.Sprintf("file %q", key)
		if _, dup := set.index[key]; dup {
			v.addf("%s: listed more than once", where)
			continue
		}

		e := Entry{
			Path:   key,
			SHA256: v.checkHash(where, wf.SHA256),
			Size:   v.checkSize(where, wf.Size),
		}

		switch {
		case wf.Source != nil && wf.Archive != nil:
			v.addf("%s: has both a source and an archive reference", where)
		case wf.Source != nil:
			e.Source = v.buildSource(where, e, wf.Source)
		case wf.Archive != nil:
			e.Archive = v.buildArchiveRef(where, key, wf.Archive, set, seenMembers)
		default:
			v.addf("%s: has neither a source nor an archive reference", where)
		}

		set.index[key] = len(set.entries)
		if e.InArchive() {
			set.members[e.Archive.ID] = append(set.members[e.Archive.ID], len(set.entries))
		}
		set.entries = append(set.entries, e)
	}

	// A file cannot also be a directory of another file.
	for _, e := range set.entries {
		for dir := path.Dir(e.Path); dir != "."; dir = path.Dir(dir) {
			if _, clash := set.index[dir]; clash {
				v.addf("file %q: parent %q is also listed as a file", e.Path, dir)
				break
			}
		}
	}
	return set
}

func (v *validator) buildSource(where string, e Entry, ws *wireSource) Source {
	src := Source{URL: v.resolveURL(where+" source", ws.URL)}

	switch strings.ToLower(ws.Compression) {
	case "", "none":
		src.Format = FormatRaw
	case "zstd", "zst":
		src.Format = FormatZstd
	case "xz":
		src.Format = FormatXz
	case "gzip", "gz":
		src.Format = FormatGzip
	default:
		v.addf("%s: unsupported source compression %q", where, ws.Compression)
		return src
	}

	if src.Format == FormatRaw {
		// An uncompressed payload is the file itself.
		src.SHA256, src.Size = e.SHA256, e.Size
		if ws.SHA256 != "" && !strings.EqualFold(ws.SHA256, e.SHA256) {
			v.addf("%s: uncompressed source hash differs from file hash", where)
		}
		if ws.Size != nil && *ws.Size != e.Size {
			v.addf("%s: uncompressed source size differs from file size", where)
		}
		return src
	}
	src.SHA256 = v.checkHash(where+" source", ws.SHA256)
	src.Size = v.checkSize(where+" source", ws.Size)
	return src
}

func (v *validator) buildArchiveRef(where, key string, wr *wireArchiveRef, set *Set, seen map[string]map[string]string) ArchiveRef {
	if _, ok := set.archives[wr.ID]; !ok {
		v.addf("%s: references undeclared archive %q", where, wr.ID)
		return ArchiveRef{}
	}
	member := wr.Member
	if member == "" {
		member = key
	}
	memberKey, err := safety.ManifestKey(member)
	if err != nil {
		v.addf("%s: archive member: %v", where, err)
		return ArchiveRef{}
	}
	if seen[wr.ID] == nil {
		seen[wr.ID] = make(map[string]string)
	}
	if other, dup := seen[wr.ID][memberKey]; dup {
		v.addf("%s: archive member %q already delivers %q", where, memberKey, other)
		return ArchiveRef{}
	}
	seen[wr.ID][memberKey] = key
	return ArchiveRef{ID: wr.ID, Member: memberKey}
}

func (v *validator) resolveURL(where, raw string) string {
	if raw == "" {
		v.addf("%s: missing url", where)
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		v.addf("%s: invalid url: %v", where, err)
		return ""
	}
	if !ref.IsAbs() && v.base != nil {
		ref = v.base.ResolveReference(ref)
	}
	u, err := safety.ValidateHTTPURL(ref.String())
	if err != nil {
		v.addf("%s: %v", where, err)
		return ""
	}
	return u.String()
}

func (v *validator) checkHash(where, h string) string {
	if h == "" {
		v.addf("%s: missing sha256", where)
		return ""
	}
	if len(h) != 64 {
		v.addf("%s: sha256 must be 64 hex characters, got %d", where, len(h))
		return ""
	}
	if _, err := hex.DecodeString(h); err != nil {
		v.addf("%s: sha256 is not hex", where)
		return ""
	}
	return strings.ToLower(h)
}

func (v *validator) checkSize(where string, size *int64) int64 {
	if size == nil {
		v.addf("%s: missing size", where)
		return 0
	}
	if *size < 0 {
		v.addf("%s: negative size %d", where, *size)
		return 0
	}
	return *size
}
