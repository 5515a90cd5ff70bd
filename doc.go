// Package lens focuses a record on one entry of the archive it carries and
// restores the archive later.
//
// Focus decodes the record payload (tar, zip or cpio, optionally gzip, zstd
// or eStargz compressed), hands every regular entry except the focused one to
// a [stash.Stash], and makes the focused entry's content the new payload.
// What was done is recorded in the lens stack, a JSON text attribute
// (lens.archive.stack) that travels with the record. Unfocus pops the stack,
// takes the stashed entries back and rebuilds the archive around the current
// payload. Focus operations nest: the focused entry may itself be an archive.
//
// # Quick Start
//
//	l, err := lens.New(stash.NewMemory())
//	if err != nil {
//	    return err
//	}
//	rec := record.NewMemory(tarball)
//	if _, err := l.Focus(ctx, rec, "config.json"); err != nil {
//	    return err
//	}
//	// rec's payload is now config.json; transform it here.
//	if _, err := l.Unfocus(ctx, rec); err != nil {
//	    return err
//	}
//
// # Structural edits
//
// Manipulate removes, copies, moves or touches entries of the archive in the
// payload without changing the lens stack:
//
//	_, err = l.Manipulate(ctx, rec, edit.Op{Kind: edit.Touch, Destination: "d.txt", After: "a.txt"})
//
// # Misses
//
// A focus target or edit target that does not exist is not an error by
// default: the operation completes and reports Result.Missed. Use
// [WithStrictFocus] and [edit.WithStrict] to fail with [ErrEntryMiss]
// instead.
package lens
