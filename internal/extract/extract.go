// Package extract materialises the members of a downloaded payload into a
// staging directory.
package extract

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BadgerOps/gamescan/internal/manifest"
	"github.com/BadgerOps/gamescan/internal/safety"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ErrCorruptArchive means the payload could not be decoded or does not
// contain what the manifest says it contains.
var ErrCorruptArchive = errors.New("corrupt archive")

// Member is one file to materialise from a payload.
type Member struct {
	// Name is the member path inside the archive. It is ignored for
	// single-file payloads.
	Name string
	// Dest is the slash-separated destination relative to the request root.
	Dest string
	Size int64
}

// Request describes one extraction.
type Request struct {
	Payload string
	Format  manifest.Format
	Root    string
	Members []Member
}

// Report lists the files written, keyed by destination.
type Report struct {
	Files map[string]string
	Bytes int64
}

// ProgressFunc receives the number of member bytes written so far.
type ProgressFunc func(done, total int64)

// Extractor unpacks payloads. It keeps no state between calls.
type Extractor struct {
	logger *slog.Logger
}

// New returns an extractor.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract writes every requested member under req.Root. Archive entries that
// were not requested are skipped. It fails with ErrCorruptArchive when the
// payload cannot be decoded, holds an unsafe or non-regular entry under a
// requested name, or lacks a requested member.
func (x *Extractor) Extract(ctx context.Context, req Request, onProgress ProgressFunc) (*Report, error) {
	if len(req.Members) == 0 {
		return &Report{Files: map[string]string{}}, nil
	}

	w, err := newWriter(ctx, req, onProgress)
	if err != nil {
		return nil, err
	}

	switch req.Format {
	case manifest.FormatTarZstd, manifest.FormatTarXz, manifest.FormatTarGzip:
		err = x.extractTar(ctx, req, w)
	case manifest.FormatZip:
		err = x.extractZip(ctx, req, w)
	case manifest.FormatRaw, manifest.FormatZstd, manifest.FormatXz, manifest.FormatGzip:
		err = x.extractSingle(req, w)
	default:
		err = fmt.Errorf("unsupported payload format %q", req.Format)
	}
	if err != nil {
		return nil, err
	}

	if missing := w.missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s is missing %d expected member(s), first %q",
			ErrCorruptArchive, filepath.Base(req.Payload), len(missing), missing[0])
	}
	w.finish()

	x.logger.Debug("payload extracted", "payload", req.Payload, "files", len(w.report.Files), "bytes", w.report.Bytes)
	return w.report, nil
}

func (x *Extractor) extractTar(ctx context.Context, req Request, w *memberWriter) error {
	f, err := os.Open(req.Payload)
	if err != nil {
		return fmt.Errorf("opening payload: %w", err)
	}
	defer f.Close()

	stream, closeStream, err := decompressor(req.Format, f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer closeStream()

	tr := tar.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading tar entry: %v", ErrCorruptArchive, err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}

		name, err := safety.ManifestKey(hdr.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}
		if !w.wants(name) {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			return fmt.Errorf("%w: member %q is not a regular file (type %q)", ErrCorruptArchive, name, hdr.Typeflag)
		}
		if err := w.write(name, tr); err != nil {
			return err
		}
	}
}

func (x *Extractor) extractZip(ctx context.Context, req Request, w *memberWriter) error {
	zr, err := zip.OpenReader(req.Payload)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("opening payload: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer zr.Close()
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			continue
		}
		name, err := safety.ManifestKey(zf.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}
		if !w.wants(name) {
			continue
		}
		if !zf.Mode().IsRegular() {
			return fmt.Errorf("%w: member %q is not a regular file", ErrCorruptArchive, name)
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("%w: opening member %q: %v", ErrCorruptArchive, name, err)
		}
		err = w.write(name, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (x *Extractor) extractSingle(req Request, w *memberWriter) error {
	if len(req.Members) != 1 {
		return fmt.Errorf("%s payload delivers exactly one file, %d requested", req.Format, len(req.Members))
	}
	f, err := os.Open(req.Payload)
	if err != nil {
		return fmt.Errorf("opening payload: %w", err)
	}
	defer f.Close()

	stream, closeStream, err := decompressor(req.Format, f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer closeStream()

	return w.write(w.single(), stream)
}

// decompressor wraps r according to the compression layer of format.
func decompressor(format manifest.Format, r io.Reader) (io.Reader, func(), error) {
	switch format {
	case manifest.FormatZstd, manifest.FormatTarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case manifest.FormatXz, manifest.FormatTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return xr, func() {}, nil
	case manifest.FormatGzip, manifest.FormatTarGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gr, func() { gr.Close() }, nil
	case manifest.FormatRaw:
		return r, func() {}, nil
	}
	return nil, nil, fmt.Errorf("no decompressor for format %q", format)
}
