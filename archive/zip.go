package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/meigma/lens/internal/sizing"
)

// maxLinkLen bounds symlink targets stored as entry content.
const maxLinkLen = 4096

// decodeZip spools the stream to a staging file because the central
// directory sits at the end of the archive.
func (d *decoder) decodeZip(ctx context.Context, r io.Reader) error {
	spool, err := d.st.Create()
	if err != nil {
		return &ioError{err: err}
	}
	path := spool.Name()
	defer func() {
		_ = spool.Close()
		_ = d.st.Remove(path)
	}()

	size, err := sizing.CopyWithLimit(stagingWriter{w: spool}, r, d.c.maxArchiveSize, ErrSizeOverflow)
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(spool, size)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFormat, err)
	}

	for _, zf := range zr.File {
		mode := zf.Mode()
		h := Header{
			Name:    zf.Name,
			Kind:    zipKind(mode),
			Perm:    unixPerm(mode),
			ModTime: zf.Modified,
		}
		if err := d.addZipFile(ctx, h, zf); err != nil {
			return err
		}
	}
	d.arc.Format.Code = CodeZip
	d.arc.Format.Name = FormatName(CodeZip)
	return nil
}

func (d *decoder) addZipFile(ctx context.Context, h Header, zf *zip.File) error {
	if h.Kind != KindRegular && h.Kind != KindSymlink {
		return d.add(ctx, h, nil)
	}
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrFormat, zf.Name, err)
	}
	defer rc.Close()

	if h.Kind == KindSymlink {
		target, err := io.ReadAll(io.LimitReader(rc, maxLinkLen+1))
		if err != nil {
			return err
		}
		if len(target) > maxLinkLen {
			return fmt.Errorf("%w: symlink target of %s too long", ErrFormat, zf.Name)
		}
		h.Linkname = string(target)
		return d.add(ctx, h, nil)
	}
	return d.add(ctx, h, rc)
}

func zipKind(m fs.FileMode) Kind {
	switch {
	case m&fs.ModeSymlink != 0:
		return KindSymlink
	case m.IsDir():
		return KindDir
	case m&fs.ModeNamedPipe != 0:
		return KindFIFO
	case m&fs.ModeSocket != 0:
		return KindSocket
	case m&fs.ModeCharDevice != 0:
		return KindChar
	case m&fs.ModeDevice != 0:
		return KindBlock
	}
	return KindRegular
}

// unixPerm converts the permission part of an fs.FileMode to Unix bits.
func unixPerm(m fs.FileMode) uint32 {
	perm := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		perm |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		perm |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		perm |= 0o1000
	}
	return perm
}

// fileMode is the inverse of zipKind and unixPerm.
func fileMode(k Kind, perm uint32) (fs.FileMode, bool) {
	m := fs.FileMode(perm & 0o777)
	if perm&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if perm&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if perm&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	switch k {
	case KindRegular:
	case KindDir:
		m |= fs.ModeDir
	case KindSymlink:
		m |= fs.ModeSymlink
	case KindFIFO:
		m |= fs.ModeNamedPipe
	case KindSocket:
		m |= fs.ModeSocket
	case KindChar:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case KindBlock:
		m |= fs.ModeDevice
	default:
		return 0, false
	}
	return m, true
}

type zipWriter struct {
	zw *zip.Writer
}

func newZipWriter(w io.Writer) *zipWriter {
	return &zipWriter{zw: zip.NewWriter(w)}
}

func (w *zipWriter) WriteEntry(h Header, size int64, body io.Reader) error {
	mode, ok := fileMode(h.Kind, h.Perm)
	if !ok {
		return fmt.Errorf("%w: zip cannot store %s entries", ErrFormat, h.Kind)
	}
	fh := &zip.FileHeader{
		Name:     h.Name,
		Method:   zip.Store,
		Modified: h.ModTime,
	}
	switch h.Kind {
	case KindRegular:
		fh.Method = zip.Deflate
	case KindDir:
		if !strings.HasSuffix(fh.Name, "/") {
			fh.Name += "/"
		}
	}
	fh.SetMode(mode)

	fw, err := w.zw.CreateHeader(fh)
	if err != nil {
		return err
	}
	switch h.Kind {
	case KindSymlink:
		_, err = io.WriteString(fw, h.Linkname)
		return err
	case KindRegular:
		if size == 0 {
			return nil
		}
		n, err := io.CopyN(fw, body, size)
		if err != nil {
			return fmt.Errorf("copy content (%d of %d bytes): %w", n, size, err)
		}
	}
	return nil
}

func (w *zipWriter) Close() error {
	return w.zw.Close()
}
