package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/containerd/stargz-snapshotter/estargz"
)

func (d *decoder) decodeTar(ctx context.Context, r io.Reader) error {
	tr := tar.NewReader(r)
	var pax, gnu bool
	estargzTOC := false

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		// The reader reports every flavour a header is valid in; only a
		// header that can be nothing but PAX or GNU pins the flavour.
		switch hdr.Format {
		case tar.FormatPAX:
			pax = true
		case tar.FormatGNU:
			gnu = true
		}

		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if d.arc.Format.Filter == FilterGzip && hdr.Name == estargz.TOCTarName {
			estargzTOC = true
			continue
		}
		kind, ok := tarKind(hdr.Typeflag)
		if !ok {
			return fmt.Errorf("%w: unsupported tar entry type %q for %s", ErrFormat, hdr.Typeflag, hdr.Name)
		}
		h := Header{
			Name:     hdr.Name,
			Kind:     kind,
			Perm:     uint32(hdr.Mode) & 0o7777, //nolint:gosec // masked to permission bits
			Linkname: hdr.Linkname,
			ModTime:  hdr.ModTime,
		}
		if err := d.add(ctx, h, tr); err != nil {
			return err
		}
	}

	if estargzTOC {
		d.arc.Format.Filter = FilterEStargz
		d.drop(func(e *Entry) bool { return isEStargzMeta(e.Name) })
	}

	code := CodeUSTAR
	switch {
	case pax:
		code = CodePAX
	case gnu:
		code = CodeGNUTar
	}
	d.arc.Format.Code = code
	d.arc.Format.Name = FormatName(code)
	return nil
}

func tarKind(flag byte) (Kind, bool) {
	switch flag {
	case tar.TypeReg, tar.TypeRegA, tar.TypeCont, tar.TypeGNUSparse: //nolint:staticcheck // TypeRegA still appears in old archives
		return KindRegular, true
	case tar.TypeDir:
		return KindDir, true
	case tar.TypeSymlink:
		return KindSymlink, true
	case tar.TypeLink:
		return KindHardlink, true
	case tar.TypeChar:
		return KindChar, true
	case tar.TypeBlock:
		return KindBlock, true
	case tar.TypeFifo:
		return KindFIFO, true
	}
	return 0, false
}

func tarTypeflag(k Kind) (byte, bool) {
	switch k {
	case KindRegular:
		return tar.TypeReg, true
	case KindDir:
		return tar.TypeDir, true
	case KindSymlink:
		return tar.TypeSymlink, true
	case KindHardlink:
		return tar.TypeLink, true
	case KindChar:
		return tar.TypeChar, true
	case KindBlock:
		return tar.TypeBlock, true
	case KindFIFO:
		return tar.TypeFifo, true
	}
	return 0, false
}

type tarWriter struct {
	tw     *tar.Writer
	format tar.Format
}

func newTarWriter(w io.Writer, code int) *tarWriter {
	tw := &tarWriter{tw: tar.NewWriter(w)}
	switch code {
	case CodeUSTAR:
		tw.format = tar.FormatUSTAR
	case CodePAX:
		tw.format = tar.FormatPAX
	case CodeGNUTar:
		tw.format = tar.FormatGNU
	}
	return tw
}

func (w *tarWriter) WriteEntry(h Header, size int64, body io.Reader) error {
	flag, ok := tarTypeflag(h.Kind)
	if !ok {
		return fmt.Errorf("%w: tar cannot store %s entries", ErrFormat, h.Kind)
	}
	hdr := &tar.Header{
		Typeflag: flag,
		Name:     h.Name,
		Linkname: h.Linkname,
		Mode:     int64(h.Perm),
		ModTime:  h.ModTime,
		Format:   w.format,
	}
	if hdr.ModTime.IsZero() {
		hdr.ModTime = time.Unix(0, 0)
	}
	if flag == tar.TypeReg {
		hdr.Size = size
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		if hdr.Format == tar.FormatUnknown {
			return err
		}
		// The recorded flavour cannot hold this header (a long name added by
		// an edit, say); let the writer pick one that can.
		hdr.Format = tar.FormatUnknown
		if err := w.tw.WriteHeader(hdr); err != nil {
			return err
		}
	}
	if flag != tar.TypeReg || size == 0 {
		return nil
	}
	n, err := io.CopyN(w.tw, body, size)
	if err != nil {
		return fmt.Errorf("copy content (%d of %d bytes): %w", n, size, err)
	}
	return nil
}

func (w *tarWriter) Close() error {
	return w.tw.Close()
}
