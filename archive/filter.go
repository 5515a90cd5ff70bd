package archive

import (
	"fmt"
	"io"

	"github.com/containerd/stargz-snapshotter/estargz"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// openFilter wraps w in the compression named by format.Filter. The returned
// finish function flushes the filter; it receives the encode error so filters
// that post-process (eStargz) can skip work for a failed encode.
func (c *Codec) openFilter(w io.Writer, format Format, st Stager) (io.Writer, func(error) error, error) {
	switch format.Filter {
	case FilterNone:
		return w, func(error) error { return nil }, nil
	case FilterGzip:
		gz := gzip.NewWriter(w)
		return gz, func(error) error { return gz.Close() }, nil
	case FilterZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return enc, func(error) error { return enc.Close() }, nil
	case FilterEStargz:
		if format.Code&codeFamilyMask != CodeTar {
			return nil, nil, fmt.Errorf("%w: estargz requires a tar container", ErrFormat)
		}
		return c.openEStargz(w, st)
	default:
		return nil, nil, fmt.Errorf("%w: unknown filter %q", ErrFormat, format.Filter)
	}
}

// openEStargz spools the plain tar to a staging file and converts it once the
// tar is complete, since estargz.Build needs random access to its input.
func (c *Codec) openEStargz(w io.Writer, st Stager) (io.Writer, func(error) error, error) {
	spool, err := st.Create()
	if err != nil {
		return nil, nil, err
	}
	path := spool.Name()
	finish := func(encodeErr error) (err error) {
		defer func() {
			spool.Close()
			_ = st.Remove(path)
		}()
		if encodeErr != nil {
			return nil
		}
		info, err := spool.Stat()
		if err != nil {
			return err
		}
		blob, err := estargz.Build(io.NewSectionReader(spool, 0, info.Size()))
		if err != nil {
			return fmt.Errorf("build estargz: %w", err)
		}
		defer blob.Close()
		if _, err := io.Copy(w, blob); err != nil {
			return fmt.Errorf("write estargz: %w", err)
		}
		c.log().Debug("estargz layer built", "toc_digest", blob.TOCDigest().String())
		return nil
	}
	return spool, finish, nil
}

// isEStargzMeta reports whether a tar member is eStargz bookkeeping rather
// than archive content.
func isEStargzMeta(name string) bool {
	switch name {
	case estargz.TOCTarName, estargz.PrefetchLandmark, estargz.NoPrefetchLandmark:
		return true
	}
	return false
}
