package archive

import (
	"bufio"
	"bytes"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of the stream is inspected to identify it.
const sniffLen = 3072

type streamKind uint8

const (
	streamUnknown streamKind = iota
	streamGzip
	streamZstd
	streamTar
	streamZip
	streamCPIO
)

func (k streamKind) String() string {
	switch k {
	case streamGzip:
		return "gzip"
	case streamZstd:
		return "zstd"
	case streamTar:
		return "tar"
	case streamZip:
		return "zip"
	case streamCPIO:
		return "cpio"
	default:
		return "unknown"
	}
}

var mimeKinds = []struct {
	mime string
	kind streamKind
}{
	{"application/gzip", streamGzip},
	{"application/zstd", streamZstd},
	{"application/x-tar", streamTar},
	{"application/zip", streamZip},
	{"application/x-cpio", streamCPIO},
}

// sniff identifies the stream behind br without consuming it.
func sniff(br *bufio.Reader) streamKind {
	head, _ := br.Peek(sniffLen) //nolint:errcheck // a short stream returns what is available
	if len(head) == 0 {
		return streamUnknown
	}
	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		for _, mk := range mimeKinds {
			if m.Is(mk.mime) {
				return mk.kind
			}
		}
	}
	return sniffMagic(head)
}

// sniffMagic covers headers mimetype does not recognise, such as tar members
// written with a bad checksum field or cpio streams with uncommon names.
func sniffMagic(head []byte) streamKind {
	switch {
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return streamGzip
	case bytes.HasPrefix(head, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return streamZstd
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return streamZip
	case bytes.HasPrefix(head, []byte("070701")), bytes.HasPrefix(head, []byte("070702")):
		return streamCPIO
	case len(head) >= 262 && bytes.Equal(head[257:262], []byte("ustar")):
		return streamTar
	case len(head) >= 2*tarBlockSize && isZero(head[:2*tarBlockSize]):
		// an empty tar is only its end-of-archive marker
		return streamTar
	}
	return streamUnknown
}

const tarBlockSize = 512

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
