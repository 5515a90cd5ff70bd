// Package archive decodes container archives into an ordered list of entries
// and encodes such a list back into an archive.
//
// Supported containers are tar (ustar, pax and GNU flavours), zip and cpio
// (SVR4 "newc"). Any of them may be wrapped in a gzip or zstd filter; tar may
// also be an eStargz layer. Formats and filters are identified by sniffing the
// head of the stream, so callers never name the format on decode.
//
// Decode streams tar and cpio header by header and writes the content of each
// regular file to a fresh staging file. Zip keeps its directory at the end of
// the file and is spooled to a single staging file first.
//
// Format codes and entry kinds use libarchive numbering so that values
// recorded by other tools pass through unchanged.
package archive
