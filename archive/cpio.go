package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cavaliergopher/cpio"
)

func (d *decoder) decodeCPIO(ctx context.Context, r io.Reader) error {
	cr := cpio.NewReader(r)
	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		kind := Kind(hdr.Mode & cpio.ModeType)
		if kind == 0 {
			kind = KindRegular
		}
		h := Header{
			Name:     hdr.Name,
			Kind:     kind,
			Perm:     uint32(hdr.Mode) & 0o7777,
			Linkname: hdr.Linkname,
			ModTime:  hdr.ModTime,
		}
		if err := d.add(ctx, h, cr); err != nil {
			return err
		}
	}
	d.arc.Format.Code = CodeCPIONew
	d.arc.Format.Name = FormatName(CodeCPIONew)
	return nil
}

type cpioWriter struct {
	cw *cpio.Writer
}

func newCPIOWriter(w io.Writer) *cpioWriter {
	return &cpioWriter{cw: cpio.NewWriter(w)}
}

func (w *cpioWriter) WriteEntry(h Header, size int64, body io.Reader) error {
	if h.Kind == KindHardlink {
		return fmt.Errorf("%w: cpio cannot store %s entries", ErrFormat, h.Kind)
	}
	hdr := &cpio.Header{
		Name:    h.Name,
		Mode:    cpio.FileMode(uint32(h.Kind) | h.Perm&0o7777),
		ModTime: h.ModTime,
	}
	if hdr.ModTime.IsZero() {
		hdr.ModTime = time.Unix(0, 0)
	}
	switch h.Kind {
	case KindSymlink:
		// newc keeps the link target as the entry body
		hdr.Size = int64(len(h.Linkname))
	case KindRegular:
		hdr.Size = size
	}
	if err := w.cw.WriteHeader(hdr); err != nil {
		return err
	}
	switch h.Kind {
	case KindSymlink:
		_, err := io.WriteString(w.cw, h.Linkname)
		return err
	case KindRegular:
		if size == 0 {
			return nil
		}
		n, err := io.CopyN(w.cw, body, size)
		if err != nil {
			return fmt.Errorf("copy content (%d of %d bytes): %w", n, size, err)
		}
	}
	return nil
}

func (w *cpioWriter) Close() error {
	return w.cw.Close()
}
