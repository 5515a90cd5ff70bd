package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/lens/internal/staging"
	"github.com/meigma/lens/internal/testutil"
)

func newArea(t *testing.T) *staging.Area {
	t.Helper()
	area, err := staging.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = area.Close() })
	return area
}

func decode(t *testing.T, c *Codec, data []byte) *Archive {
	t.Helper()
	arc, err := c.Decode(context.Background(), bytes.NewReader(data), newArea(t))
	require.NoError(t, err)
	return arc
}

func staged(t *testing.T, e *Entry) string {
	t.Helper()
	if e.Staged == "" {
		return ""
	}
	data, err := os.ReadFile(e.Staged)
	require.NoError(t, err)
	return string(data)
}

// entryResolver serves content from decoded entries, matched by position.
func entryResolver(arc *Archive) Resolver {
	next := 0
	return func(h Header) (io.ReadCloser, int64, error) {
		for next < len(arc.Entries) {
			e := &arc.Entries[next]
			next++
			if e.Name == h.Name && e.Kind == KindRegular {
				return e.Open()
			}
		}
		return nil, 0, errors.New("no content for " + h.Name)
	}
}

var sample = []testutil.File{
	testutil.F("a.txt", "alpha"),
	testutil.D("b/"),
	testutil.F("b/c.txt", "gamma"),
	testutil.L("b/link", "c.txt"),
	testutil.F("empty", ""),
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tarData := testutil.Tar(t, sample...)
	tests := []struct {
		name   string
		data   []byte
		code   int
		filter Filter
	}{
		{"tar", tarData, CodeUSTAR, FilterNone},
		{"gnu tar", testutil.TarFormat(t, tar.FormatGNU, sample...), CodeGNUTar, FilterNone},
		{"tar.gz", testutil.Gzip(t, tarData), CodeUSTAR, FilterGzip},
		{"tar.zst", testutil.Zstd(t, tarData), CodeUSTAR, FilterZstd},
		{"zip", testutil.Zip(t, sample...), CodeZip, FilterNone},
		{"cpio", testutil.CPIO(t, sample...), CodeCPIONew, FilterNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			arc := decode(t, New(), tt.data)
			assert.Equal(t, tt.code, arc.Format.Code)
			assert.Equal(t, FormatName(tt.code), arc.Format.Name)
			assert.Equal(t, tt.filter, arc.Format.Filter)

			require.Len(t, arc.Entries, len(sample))
			for i, want := range sample {
				got := &arc.Entries[i]
				assert.Equal(t, want.Name, got.Name)
				assert.Equal(t, want.Perm, got.Perm, "perm of %s", want.Name)
				assert.True(t, got.ModTime.Equal(testutil.ModTime), "mtime of %s", want.Name)
				switch want.Type {
				case testutil.TypeFile:
					assert.Equal(t, KindRegular, got.Kind)
					assert.Equal(t, want.Body, staged(t, got))
					assert.Equal(t, int64(len(want.Body)), got.Size)
				case testutil.TypeDir:
					assert.Equal(t, KindDir, got.Kind)
					assert.Empty(t, got.Staged)
				case testutil.TypeSymlink:
					assert.Equal(t, KindSymlink, got.Kind)
					assert.Equal(t, want.Link, got.Linkname)
					assert.Empty(t, got.Staged)
				}
			}
		})
	}
}

func TestDecodePAX(t *testing.T) {
	t.Parallel()

	// Past the 255 bytes a USTAR prefix and name can hold, so the writer
	// has to emit PAX records.
	long := strings.Repeat("d/", 130) + "file.txt"
	arc := decode(t, New(), testutil.TarFormat(t, tar.FormatPAX, testutil.F("short", "x"), testutil.F(long, "y")))
	assert.Equal(t, CodePAX, arc.Format.Code)
	require.Len(t, arc.Entries, 2)
	assert.Equal(t, long, arc.Entries[1].Name)
}

func TestDecodeEmptyTar(t *testing.T) {
	t.Parallel()

	arc := decode(t, New(), testutil.Tar(t))
	assert.Equal(t, CodeUSTAR, arc.Format.Code)
	assert.Empty(t, arc.Entries)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"text", []byte("this is not an archive at all")},
		{"truncated gzip", testutil.Gzip(t, testutil.Tar(t, sample...))[:40]},
		{"gzip of text", testutil.Gzip(t, []byte("plain text payload"))},
		{"truncated zip", testutil.Zip(t, sample...)[:60]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			area := newArea(t)
			arc, err := New().Decode(context.Background(), bytes.NewReader(tt.data), area)
			require.ErrorIs(t, err, ErrFormat)
			assert.Nil(t, arc)

			left, err := os.ReadDir(area.Dir())
			require.NoError(t, err)
			assert.Empty(t, left, "staging files leaked")
		})
	}
}

func TestDecodeSourceError(t *testing.T) {
	t.Parallel()

	data := testutil.Tar(t, testutil.F("a.txt", strings.Repeat("a", 4096)))
	area := newArea(t)
	_, err := New().Decode(context.Background(), testutil.NewFailingReader(data[:1024]), area)
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.NotErrorIs(t, err, ErrFormat)

	left, err := os.ReadDir(area.Dir())
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDecodeLimits(t *testing.T) {
	t.Parallel()

	data := testutil.Tar(t, testutil.F("a", "hello world"), testutil.F("b", "x"))

	t.Run("entry size", func(t *testing.T) {
		t.Parallel()
		_, err := New(WithMaxEntrySize(4)).Decode(context.Background(), bytes.NewReader(data), newArea(t))
		require.ErrorIs(t, err, ErrSizeOverflow)
	})

	t.Run("entry count", func(t *testing.T) {
		t.Parallel()
		_, err := New(WithMaxEntries(1)).Decode(context.Background(), bytes.NewReader(data), newArea(t))
		require.ErrorIs(t, err, ErrTooManyEntries)
	})

	t.Run("zip spool", func(t *testing.T) {
		t.Parallel()
		zipData := testutil.Zip(t, testutil.F("a", "hello world"), testutil.F("b", "x"))
		require.Greater(t, len(zipData), 64)
		_, err := New(WithMaxArchiveSize(64)).Decode(context.Background(), bytes.NewReader(zipData), newArea(t))
		require.ErrorIs(t, err, ErrSizeOverflow)

		arc := decode(t, New(WithMaxArchiveSize(uint64(len(zipData)))), zipData)
		assert.Len(t, arc.Entries, 2)
	})

	t.Run("streamed tar ignores archive size", func(t *testing.T) {
		t.Parallel()
		arc := decode(t, New(WithMaxArchiveSize(64)), data)
		assert.Len(t, arc.Entries, 2)
	})

	t.Run("unlimited", func(t *testing.T) {
		t.Parallel()
		arc := decode(t, New(WithMaxEntrySize(0), WithMaxArchiveSize(0), WithMaxEntries(-1)), data)
		assert.Len(t, arc.Entries, 2)
	})
}

func TestDecodeCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Decode(ctx, bytes.NewReader(testutil.Tar(t, sample...)), newArea(t))
	require.ErrorIs(t, err, context.Canceled)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	tarData := testutil.Tar(t, sample...)
	tests := []struct {
		name string
		data []byte
	}{
		{"tar", tarData},
		{"pax", testutil.TarFormat(t, tar.FormatPAX, sample...)},
		{"gnu", testutil.TarFormat(t, tar.FormatGNU, sample...)},
		{"tar.gz", testutil.Gzip(t, tarData)},
		{"tar.zst", testutil.Zstd(t, tarData)},
		{"zip", testutil.Zip(t, sample...)},
		{"cpio", testutil.CPIO(t, sample...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := New()
			first := decode(t, c, tt.data)

			var out bytes.Buffer
			err := c.Encode(context.Background(), &out, first.Format, first.Headers(), entryResolver(first), newArea(t))
			require.NoError(t, err)

			second := decode(t, c, out.Bytes())
			assert.Equal(t, first.Format.Code, second.Format.Code)
			assert.Equal(t, first.Format.Filter, second.Format.Filter)
			require.Len(t, second.Entries, len(first.Entries))
			for i := range first.Entries {
				want, got := &first.Entries[i], &second.Entries[i]
				assert.Equal(t, want.Name, got.Name)
				assert.Equal(t, want.Kind, got.Kind)
				assert.Equal(t, want.Perm, got.Perm)
				assert.Equal(t, want.Linkname, got.Linkname)
				assert.True(t, want.ModTime.Equal(got.ModTime), "mtime of %s", want.Name)
				assert.Equal(t, staged(t, want), staged(t, got))
			}
		})
	}
}

func TestEncodeByteStable(t *testing.T) {
	t.Parallel()

	for _, data := range [][]byte{testutil.Tar(t, sample...), testutil.CPIO(t, sample...)} {
		c := New()
		arc := decode(t, c, data)

		var a, b bytes.Buffer
		require.NoError(t, c.Encode(context.Background(), &a, arc.Format, arc.Headers(), entryResolver(arc), newArea(t)))
		require.NoError(t, c.Encode(context.Background(), &b, arc.Format, arc.Headers(), entryResolver(arc), newArea(t)))
		assert.Equal(t, a.Bytes(), b.Bytes())
	}
}

func TestEncodeEStargz(t *testing.T) {
	t.Parallel()

	c := New()
	arc := decode(t, c, testutil.Tar(t, sample...))

	format := Format{Code: CodeUSTAR, Filter: FilterEStargz}
	var out bytes.Buffer
	err := c.Encode(context.Background(), &out, format, arc.Headers(), entryResolver(arc), newArea(t))
	require.NoError(t, err)

	got := decode(t, c, out.Bytes())
	assert.Equal(t, FilterEStargz, got.Format.Filter)
	require.Len(t, got.Entries, len(sample))
	for i, want := range sample {
		assert.Equal(t, want.Name, got.Entries[i].Name)
		assert.Equal(t, want.Body, staged(t, &got.Entries[i]))
	}
}

func TestEncodeEStargzNeedsTar(t *testing.T) {
	t.Parallel()

	err := New().Encode(context.Background(), io.Discard, Format{Code: CodeZip, Filter: FilterEStargz}, nil, nil, newArea(t))
	require.ErrorIs(t, err, ErrFormat)
}

func TestEncodeUnknownFormat(t *testing.T) {
	t.Parallel()

	err := New().Encode(context.Background(), io.Discard, Format{Code: 0x90000}, nil, nil, newArea(t))
	require.ErrorIs(t, err, ErrFormat)
}

func TestEncodeUnreadable(t *testing.T) {
	t.Parallel()

	headers := []Header{
		{Name: "ok", Kind: KindRegular, Perm: 0o644},
		{Name: "gone", Kind: KindRegular, Perm: 0o644},
		{Name: "dir/", Kind: KindDir, Perm: 0o755},
	}
	errGone := errors.New("content lost")
	resolve := func(h Header) (io.ReadCloser, int64, error) {
		if h.Name == "gone" {
			return nil, 0, errGone
		}
		return io.NopCloser(strings.NewReader("data")), 4, nil
	}
	format := Format{Code: CodeUSTAR}

	t.Run("fails closed", func(t *testing.T) {
		t.Parallel()
		err := New().Encode(context.Background(), io.Discard, format, headers, resolve, newArea(t))
		require.ErrorIs(t, err, errGone)
	})

	t.Run("skips when enabled", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		err := New(WithSkipUnreadable(true)).Encode(context.Background(), &out, format, headers, resolve, newArea(t))
		require.NoError(t, err)

		files := testutil.ReadTar(t, out.Bytes())
		require.Len(t, files, 2)
		assert.Equal(t, "ok", files[0].Name)
		assert.Equal(t, "data", files[0].Body)
		assert.Equal(t, "dir/", files[1].Name)
	})
}

func TestEncodeTarDefaults(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 120)
	headers := []Header{
		{Name: long, Kind: KindRegular, Perm: 0o600},
	}
	resolve := func(Header) (io.ReadCloser, int64, error) {
		return io.NopCloser(strings.NewReader("abc")), 3, nil
	}

	var out bytes.Buffer
	err := New().Encode(context.Background(), &out, Format{Code: CodeUSTAR}, headers, resolve, newArea(t))
	require.NoError(t, err)

	tr := tar.NewReader(&out)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, long, hdr.Name)
	assert.True(t, hdr.ModTime.Equal(time.Unix(0, 0)))
}

func TestEncodeUnsupportedKind(t *testing.T) {
	t.Parallel()

	headers := []Header{{Name: "sock", Kind: KindSocket, Perm: 0o755}}
	err := New().Encode(context.Background(), io.Discard, Format{Code: CodeUSTAR}, headers, nil, newArea(t))
	require.ErrorIs(t, err, ErrFormat)

	err = New().Encode(context.Background(), io.Discard, Format{Code: CodeCPIONew}, []Header{{Name: "h", Kind: KindHardlink, Linkname: "a"}}, nil, newArea(t))
	require.ErrorIs(t, err, ErrFormat)
}

func TestFormatName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "POSIX ustar format", FormatName(CodeUSTAR))
	assert.Equal(t, "tar", FormatName(CodeTar))
	assert.Equal(t, "cpio", FormatName(CodeCPIO))
	assert.Equal(t, "unknown", FormatName(0x70000))
}

func TestEntryOpenWithoutContent(t *testing.T) {
	t.Parallel()

	e := &Entry{Header: Header{Name: "new", Kind: KindRegular}}
	rc, size, err := e.Open()
	require.NoError(t, err)
	defer rc.Close()
	assert.Zero(t, size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, data)
}
