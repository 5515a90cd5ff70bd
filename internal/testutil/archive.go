package testutil

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/cavaliergopher/cpio"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// Fixture entry types.
const (
	TypeFile    = 'f'
	TypeDir     = 'd'
	TypeSymlink = 'l'
)

// File describes one fixture entry.
type File struct {
	Name string
	Type byte
	Perm uint32
	Body string
	Link string
}

// Fixed modification time used for every fixture entry.
var ModTime = time.Unix(1700000000, 0)

// F returns a regular file fixture with mode 0644.
func F(name, body string) File {
	return File{Name: name, Type: TypeFile, Perm: 0o644, Body: body}
}

// D returns a directory fixture with mode 0755.
func D(name string) File {
	return File{Name: name, Type: TypeDir, Perm: 0o755}
}

// L returns a symlink fixture.
func L(name, target string) File {
	return File{Name: name, Type: TypeSymlink, Perm: 0o777, Link: target}
}

// Tar builds a USTAR archive holding files in order.
func Tar(tb testing.TB, files ...File) []byte {
	tb.Helper()
	return TarFormat(tb, tar.FormatUSTAR, files...)
}

// TarFormat builds a tar archive written in the given flavour.
func TarFormat(tb testing.TB, format tar.Format, files ...File) []byte {
	tb.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.Name,
			Mode:     int64(f.Perm),
			ModTime:  ModTime,
			Linkname: f.Link,
			Format:   format,
		}
		switch f.Type {
		case TypeDir:
			hdr.Typeflag = tar.TypeDir
		case TypeSymlink:
			hdr.Typeflag = tar.TypeSymlink
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(f.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			tb.Fatalf("write tar header %s: %v", f.Name, err)
		}
		if _, err := io.WriteString(tw, f.Body); err != nil {
			tb.Fatalf("write tar body %s: %v", f.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		tb.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

// Zip builds a zip archive holding files in order.
func Zip(tb testing.TB, files ...File) []byte {
	tb.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		fh := &zip.FileHeader{Name: f.Name, Method: zip.Deflate, Modified: ModTime}
		mode := fs.FileMode(f.Perm)
		body := f.Body
		switch f.Type {
		case TypeDir:
			mode |= fs.ModeDir
			fh.Method = zip.Store
		case TypeSymlink:
			mode |= fs.ModeSymlink
			fh.Method = zip.Store
			body = f.Link
		}
		fh.SetMode(mode)
		w, err := zw.CreateHeader(fh)
		if err != nil {
			tb.Fatalf("create zip entry %s: %v", f.Name, err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			tb.Fatalf("write zip entry %s: %v", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// CPIO builds a newc cpio archive holding files in order.
func CPIO(tb testing.TB, files ...File) []byte {
	tb.Helper()

	var buf bytes.Buffer
	cw := cpio.NewWriter(&buf)
	for _, f := range files {
		hdr := &cpio.Header{Name: f.Name, Mode: cpio.FileMode(f.Perm), ModTime: ModTime}
		body := f.Body
		switch f.Type {
		case TypeDir:
			hdr.Mode |= cpio.TypeDir
			body = ""
		case TypeSymlink:
			hdr.Mode |= cpio.TypeSymlink
			body = f.Link
		default:
			hdr.Mode |= cpio.TypeReg
		}
		hdr.Size = int64(len(body))
		if err := cw.WriteHeader(hdr); err != nil {
			tb.Fatalf("write cpio header %s: %v", f.Name, err)
		}
		if _, err := io.WriteString(cw, body); err != nil {
			tb.Fatalf("write cpio body %s: %v", f.Name, err)
		}
	}
	if err := cw.Close(); err != nil {
		tb.Fatalf("close cpio: %v", err)
	}
	return buf.Bytes()
}

// Gzip compresses data with gzip.
func Gzip(tb testing.TB, data []byte) []byte {
	tb.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		tb.Fatalf("gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		tb.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// Zstd compresses data with zstd.
func Zstd(tb testing.TB, data []byte) []byte {
	tb.Helper()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		tb.Fatalf("zstd encoder: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

// ReadTar lists the members of a plain tar archive, reading bodies of
// regular files.
func ReadTar(tb testing.TB, data []byte) []File {
	tb.Helper()

	var files []File
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files
		}
		if err != nil {
			tb.Fatalf("read tar: %v", err)
		}
		f := File{Name: hdr.Name, Perm: uint32(hdr.Mode) & 0o7777, Link: hdr.Linkname} //nolint:gosec // masked
		switch hdr.Typeflag {
		case tar.TypeDir:
			f.Type = TypeDir
		case tar.TypeSymlink:
			f.Type = TypeSymlink
		default:
			f.Type = TypeFile
			body, err := io.ReadAll(tr)
			if err != nil {
				tb.Fatalf("read tar body %s: %v", hdr.Name, err)
			}
			f.Body = string(body)
		}
		files = append(files, f)
	}
}
