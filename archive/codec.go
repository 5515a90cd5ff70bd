package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/gzip"

	"github.com/meigma/lens/internal/sizing"
)

// Codec decodes and encodes archives. A Codec is safe for concurrent use.
type Codec struct {
	maxEntrySize     uint64
	maxArchiveSize   uint64
	maxEntries       int
	maxDecoderMemory uint64
	skipUnreadable   bool
	pool             *decoderPool
	logger           *slog.Logger
}

// New creates a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{
		maxEntrySize:     DefaultMaxEntrySize,
		maxArchiveSize:   DefaultMaxArchiveSize,
		maxDecoderMemory: DefaultMaxDecoderMemory,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxEntries == 0 {
		c.maxEntries = DefaultMaxEntries
	}
	c.pool = newDecoderPool(c.maxDecoderMemory)
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Codec) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Decode reads an archive from r. The content of every regular entry is
// written to a staging file created through st; the caller owns those files.
//
// Decode returns an error wrapping ErrFormat when r is not a supported
// archive or is corrupt. Failures of r itself or of the staging area are
// returned without ErrFormat. On error no entries are returned and the
// staging files created so far are removed.
func (c *Codec) Decode(ctx context.Context, r io.Reader, st Stager) (*Archive, error) {
	src := &sourceReader{r: r}
	d := &decoder{c: c, st: st, arc: &Archive{}}
	err := d.run(ctx, src)
	if err == nil {
		c.log().Debug("archive decoded",
			"format", d.arc.Format.Name,
			"filter", string(d.arc.Format.Filter),
			"entries", len(d.arc.Entries))
		return d.arc, nil
	}

	d.discard()
	var ioErr *ioError
	switch {
	case src.err != nil:
		return nil, fmt.Errorf("read archive: %w", src.err)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.As(err, &ioErr):
		return nil, fmt.Errorf("stage archive: %w", ioErr.err)
	case errors.Is(err, ErrFormat), errors.Is(err, ErrSizeOverflow), errors.Is(err, ErrTooManyEntries):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
}

// decoder accumulates entries for one Decode call.
type decoder struct {
	c   *Codec
	st  Stager
	arc *Archive
}

func (d *decoder) run(ctx context.Context, src io.Reader) error {
	br := bufio.NewReaderSize(src, sniffLen)
	kind := sniff(br)

	var r io.Reader = br
	switch kind {
	case streamGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return err
		}
		defer gz.Close()
		d.arc.Format.Filter = FilterGzip
		inner := bufio.NewReaderSize(gz, sniffLen)
		r, kind = inner, sniff(inner)
	case streamZstd:
		dec, release, err := d.c.pool.Get(br)
		if err != nil {
			return err
		}
		defer release()
		d.arc.Format.Filter = FilterZstd
		inner := bufio.NewReaderSize(dec, sniffLen)
		r, kind = inner, sniff(inner)
	}

	switch kind {
	case streamTar:
		return d.decodeTar(ctx, r)
	case streamZip:
		return d.decodeZip(ctx, r)
	case streamCPIO:
		return d.decodeCPIO(ctx, r)
	default:
		return fmt.Errorf("%w: unrecognized stream", ErrFormat)
	}
}

// add appends an entry, staging body for regular files.
func (d *decoder) add(ctx context.Context, h Header, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.c.maxEntries > 0 && len(d.arc.Entries) >= d.c.maxEntries {
		return ErrTooManyEntries
	}
	e := Entry{Header: h}
	if h.Kind == KindRegular {
		path, size, err := d.stage(body)
		if err != nil {
			return fmt.Errorf("extract %s: %w", h.Name, err)
		}
		e.Staged, e.Size = path, size
	}
	d.c.log().Debug("decoded entry", "name", h.Name, "kind", h.Kind.String(), "perm", fmt.Sprintf("%o", h.Perm), "size", e.Size)
	d.arc.Entries = append(d.arc.Entries, e)
	return nil
}

func (d *decoder) stage(body io.Reader) (string, int64, error) {
	f, err := d.st.Create()
	if err != nil {
		return "", 0, &ioError{err: err}
	}
	path := f.Name()
	n, err := sizing.CopyWithLimit(stagingWriter{w: f}, body, d.c.maxEntrySize, ErrSizeOverflow)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = &ioError{err: closeErr}
	}
	if err != nil {
		_ = d.st.Remove(path)
		return "", 0, err
	}
	return path, n, nil
}

// drop removes entries matching fn, releasing their staging files.
func (d *decoder) drop(fn func(*Entry) bool) {
	kept := d.arc.Entries[:0]
	for i := range d.arc.Entries {
		e := &d.arc.Entries[i]
		if fn(e) {
			_ = d.st.Remove(e.Staged)
			continue
		}
		kept = append(kept, *e)
	}
	d.arc.Entries = kept
}

// discard releases everything staged by a failed decode.
func (d *decoder) discard() {
	for i := range d.arc.Entries {
		_ = d.st.Remove(d.arc.Entries[i].Staged)
	}
	d.arc.Entries = nil
}

// entryWriter writes entries of one container format.
type entryWriter interface {
	WriteEntry(h Header, size int64, body io.Reader) error
	Close() error
}

// Encode writes headers, in order, as an archive of the given format to w.
// Content of regular entries is obtained from resolve immediately before the
// entry is written. st provides scratch space for filters that need a
// seekable intermediate (eStargz).
//
// An entry whose content cannot be resolved fails the encode, unless the codec
// was created with WithSkipUnreadable.
func (c *Codec) Encode(ctx context.Context, w io.Writer, format Format, headers []Header, resolve Resolver, st Stager) (err error) {
	out, finish, err := c.openFilter(w, format, st)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := finish(err); err == nil {
			err = ferr
		}
	}()

	ew, err := newEntryWriter(format.Code, out)
	if err != nil {
		return err
	}

	written := 0
	for _, h := range headers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.encodeEntry(ew, h, resolve); err != nil {
			if errors.Is(err, errSkipped) {
				continue
			}
			return err
		}
		written++
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	c.log().Debug("archive encoded", "format", FormatName(format.Code), "filter", string(format.Filter), "entries", written)
	return nil
}

var errSkipped = errors.New("archive: entry skipped")

func (c *Codec) encodeEntry(ew entryWriter, h Header, resolve Resolver) error {
	if h.Kind != KindRegular {
		if err := ew.WriteEntry(h, 0, nil); err != nil {
			return fmt.Errorf("write %s: %w", h.Name, err)
		}
		return nil
	}

	body, size, err := resolve(h)
	if err != nil {
		if c.skipUnreadable {
			c.log().Warn("skipping entry with unreadable content", "name", h.Name, "error", err)
			return errSkipped
		}
		return fmt.Errorf("resolve %s: %w", h.Name, err)
	}
	err = ew.WriteEntry(h, size, body)
	if closeErr := body.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", h.Name, err)
	}
	return nil
}

func newEntryWriter(code int, w io.Writer) (entryWriter, error) {
	switch code & codeFamilyMask {
	case CodeTar:
		return newTarWriter(w, code), nil
	case CodeZip:
		return newZipWriter(w), nil
	case CodeCPIO:
		return newCPIOWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: no encoder for format code %#x", ErrFormat, code)
	}
}
