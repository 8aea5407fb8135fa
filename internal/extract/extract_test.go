package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/BadgerOps/gamescan/internal/manifest"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func newTestExtractor() *Extractor {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func compress(t *testing.T, format manifest.Format, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case manifest.FormatZstd, manifest.FormatTarZstd:
		w, err = zstd.NewWriter(&buf)
	case manifest.FormatXz, manifest.FormatTarXz:
		w, err = xz.NewWriter(&buf)
	case manifest.FormatGzip, manifest.FormatTarGzip:
		w = gzip.NewWriter(&buf)
	default:
		return data
	}
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Typeflag: e.typeflag, Linkname: e.linkname}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if hdr.Typeflag == tar.TypeDir {
			hdr.Mode = 0755
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writePayload(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readDest(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestExtractTarFormats(t *testing.T) {
	archive := buildTar(t, []tarEntry{
		{name: "./", typeflag: tar.TypeDir},
		{name: "bin/", typeflag: tar.TypeDir},
		{name: "bin/game.exe", body: "executable"},
		{name: "data/level1.pak", body: "level one"},
		{name: "docs/readme.txt", body: "not requested"},
		{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
	})

	for _, format := range []manifest.Format{manifest.FormatTarZstd, manifest.FormatTarXz, manifest.FormatTarGzip} {
		t.Run(string(format), func(t *testing.T) {
			root := t.TempDir()
			req := Request{
				Payload: writePayload(t, compress(t, format, archive)),
				Format:  format,
				Root:    root,
				Members: []Member{
					{Name: "bin/game.exe", Dest: "bin/game.exe", Size: 10},
					{Name: "data/level1.pak", Dest: "levels/one.pak", Size: 9},
				},
			}

			var last [2]int64
			report, err := newTestExtractor().Extract(context.Background(), req, func(done, total int64) {
				last = [2]int64{done, total}
			})
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if len(report.Files) != 2 || report.Bytes != 19 {
				t.Fatalf("report = %+v", report)
			}
			if got := readDest(t, root, "bin/game.exe"); got != "executable" {
				t.Errorf("bin/game.exe = %q", got)
			}
			if got := readDest(t, root, "levels/one.pak"); got != "level one" {
				t.Errorf("levels/one.pak = %q", got)
			}
			if _, err := os.Stat(filepath.Join(root, "docs")); !os.IsNotExist(err) {
				t.Error("unrequested member was extracted")
			}
			if _, err := os.Lstat(filepath.Join(root, "link")); !os.IsNotExist(err) {
				t.Error("symlink entry was materialised")
			}
			if last != [2]int64{19, 19} {
				t.Errorf("final progress = %v", last)
			}
		})
	}
}

func TestExtractZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{"a/one.txt": "one", "b/two.txt": "two"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	_, err := newTestExtractor().Extract(context.Background(), Request{
		Payload: writePayload(t, buf.Bytes()),
		Format:  manifest.FormatZip,
		Root:    root,
		Members: []Member{{Name: "b/two.txt", Dest: "b/two.txt", Size: 3}},
	}, nil)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got := readDest(t, root, "b/two.txt"); got != "two" {
		t.Fatalf("b/two.txt = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "a")); !os.IsNotExist(err) {
		t.Error("unrequested member was extracted")
	}
}

func TestExtractSingleFile(t *testing.T) {
	content := []byte("single file payload")
	for _, format := range []manifest.Format{manifest.FormatRaw, manifest.FormatZstd, manifest.FormatXz, manifest.FormatGzip} {
		t.Run(string(format), func(t *testing.T) {
			root := t.TempDir()
			report, err := newTestExtractor().Extract(context.Background(), Request{
				Payload: writePayload(t, compress(t, format, content)),
				Format:  format,
				Root:    root,
				Members: []Member{{Dest: "data/file.bin", Size: int64(len(content))}},
			}, nil)
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if got := readDest(t, root, "data/file.bin"); got != string(content) {
				t.Fatalf("content = %q", got)
			}
			if report.Files["data/file.bin"] == "" {
				t.Fatalf("report = %+v", report)
			}
		})
	}
}

func TestExtractCorruptArchive(t *testing.T) {
	good := buildTar(t, []tarEntry{{name: "a.txt", body: "aaaa"}})
	gz := compress(t, manifest.FormatTarGzip, good)

	tests := []struct {
		name    string
		format  manifest.Format
		payload []byte
		members []Member
	}{
		{
			name:    "garbage zstd",
			format:  manifest.FormatTarZstd,
			payload: []byte("definitely not zstd"),
			members: []Member{{Name: "a.txt", Dest: "a.txt", Size: 4}},
		},
		{
			name:    "truncated gzip",
			format:  manifest.FormatTarGzip,
			payload: gz[:len(gz)/2],
			members: []Member{{Name: "a.txt", Dest: "a.txt", Size: 4}},
		},
		{
			name:    "missing member",
			format:  manifest.FormatTarGzip,
			payload: gz,
			members: []Member{{Name: "a.txt", Dest: "a.txt", Size: 4}, {Name: "b.txt", Dest: "b.txt", Size: 1}},
		},
		{
			name:    "member larger than declared",
			format:  manifest.FormatTarGzip,
			payload: gz,
			members: []Member{{Name: "a.txt", Dest: "a.txt", Size: 2}},
		},
		{
			name:    "requested member is a symlink",
			format:  manifest.FormatTarGzip,
			payload: compress(t, manifest.FormatTarGzip, buildTar(t, []tarEntry{{name: "a.txt", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}})),
			members: []Member{{Name: "a.txt", Dest: "a.txt", Size: 4}},
		},
		{
			name:    "unsafe entry name",
			format:  manifest.FormatTarGzip,
			payload: compress(t, manifest.FormatTarGzip, buildTar(t, []tarEntry{{name: "../escape.txt", body: "x"}})),
			members: []Member{{Name: "a.txt", Dest: "a.txt", Size: 4}},
		},
		{
			name:    "not a zip",
			format:  manifest.FormatZip,
			payload: []byte("PK but not really"),
			members: []Member{{Name: "a.txt", Dest: "a.txt", Size: 4}},
		},
		{
			name:    "garbage xz",
			format:  manifest.FormatXz,
			payload: []byte("nope"),
			members: []Member{{Dest: "a.txt", Size: 4}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestExtractor().Extract(context.Background(), Request{
				Payload: writePayload(t, tt.payload),
				Format:  tt.format,
				Root:    t.TempDir(),
				Members: tt.members,
			}, nil)
			if !errors.Is(err, ErrCorruptArchive) {
				t.Fatalf("Extract() error = %v, want ErrCorruptArchive", err)
			}
		})
	}
}

func TestExtractRejectsUnsafeDestination(t *testing.T) {
	_, err := newTestExtractor().Extract(context.Background(), Request{
		Payload: writePayload(t, []byte("x")),
		Format:  manifest.FormatRaw,
		Root:    t.TempDir(),
		Members: []Member{{Dest: "../outside", Size: 1}},
	}, nil)
	if err == nil || errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("Extract() error = %v, want a request error", err)
	}
}

func TestExtractMissingPayload(t *testing.T) {
	_, err := newTestExtractor().Extract(context.Background(), Request{
		Payload: filepath.Join(t.TempDir(), "absent"),
		Format:  manifest.FormatTarGzip,
		Root:    t.TempDir(),
		Members: []Member{{Name: "a", Dest: "a", Size: 1}},
	}, nil)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Extract() error = %v, want not-exist", err)
	}
}

func TestExtractCancelled(t *testing.T) {
	payload := compress(t, manifest.FormatTarGzip, buildTar(t, []tarEntry{{name: "a.txt", body: "aaaa"}}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestExtractor().Extract(ctx, Request{
		Payload: writePayload(t, payload),
		Format:  manifest.FormatTarGzip,
		Root:    t.TempDir(),
		Members: []Member{{Name: "a.txt", Dest: "a.txt", Size: 4}},
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Extract() error = %v, want context.Canceled", err)
	}
}
