package archive

import (
	"io"
	"os"
	"strings"
	"time"
)

// Kind is the file type of an entry, using the S_IF* values libarchive
// reports. Values outside the named constants are passed through unchanged.
type Kind uint32

// Entry kinds.
const (
	KindFIFO    Kind = 0o010000
	KindChar    Kind = 0o020000
	KindDir     Kind = 0o040000
	KindBlock   Kind = 0o060000
	KindRegular Kind = 0o100000
	KindSymlink Kind = 0o120000
	KindSocket  Kind = 0o140000

	// KindHardlink marks tar hard links, which have no mode type of their own.
	KindHardlink Kind = 0o170000
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindFIFO:
		return "fifo"
	case KindChar:
		return "char"
	case KindDir:
		return "dir"
	case KindBlock:
		return "block"
	case KindRegular:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindSocket:
		return "socket"
	case KindHardlink:
		return "hardlink"
	default:
		return "unknown"
	}
}

// Filter identifies the compression wrapped around the container.
type Filter string

// Supported filters.
const (
	FilterNone    Filter = ""
	FilterGzip    Filter = "gzip"
	FilterZstd    Filter = "zstd"
	FilterEStargz Filter = "estargz"
)

// Format codes, numbered as libarchive numbers them.
const (
	CodeCPIO    = 0x10000
	CodeCPIONew = 0x10004
	CodeTar     = 0x30000
	CodeUSTAR   = 0x30001
	CodePAX     = 0x30002
	CodeGNUTar  = 0x30004
	CodeZip     = 0x50000

	codeFamilyMask = 0xff0000
)

// Format describes the container an archive was decoded from.
type Format struct {
	// Name is a human readable description, informational only.
	Name string

	// Code selects the encoder.
	Code int

	// Filter is the compression wrapped around the container.
	Filter Filter
}

// FormatName returns the conventional name for a format code.
func FormatName(code int) string {
	switch code {
	case CodeUSTAR:
		return "POSIX ustar format"
	case CodePAX:
		return "POSIX pax interchange format"
	case CodeGNUTar:
		return "GNU tar format"
	case CodeZip:
		return "ZIP 2.0 (deflation)"
	case CodeCPIONew:
		return "SVR4 cpio nocrc"
	}
	switch code & codeFamilyMask {
	case CodeTar:
		return "tar"
	case CodeCPIO:
		return "cpio"
	case CodeZip:
		return "zip"
	}
	return "unknown"
}

// Header is the metadata of one entry.
type Header struct {
	Name     string
	Kind     Kind
	Perm     uint32
	Linkname string
	ModTime  time.Time
}

// Entry is a decoded entry. Regular files have their content in the staging
// file named by Staged; Size is its length.
type Entry struct {
	Header

	Size   int64
	Staged string
}

// Open opens the staged content of a regular entry.
// Entries created without content (touch) read as empty.
func (e *Entry) Open() (io.ReadCloser, int64, error) {
	if e.Staged == "" {
		return io.NopCloser(strings.NewReader("")), 0, nil
	}
	f, err := os.Open(e.Staged)
	if err != nil {
		return nil, 0, err
	}
	return f, e.Size, nil
}

// Archive is a decoded archive: its format and its entries in stream order.
type Archive struct {
	Format  Format
	Entries []Entry
}

// Headers returns the entry headers in order.
func (a *Archive) Headers() []Header {
	hdrs := make([]Header, len(a.Entries))
	for i := range a.Entries {
		hdrs[i] = a.Entries[i].Header
	}
	return hdrs
}

// Stager creates the staging files that hold decoded content.
type Stager interface {
	Create() (*os.File, error)
	Remove(path string) error
}

// Resolver supplies the content of a regular entry during Encode.
// The caller closes the returned reader.
type Resolver func(h Header) (io.ReadCloser, int64, error)
