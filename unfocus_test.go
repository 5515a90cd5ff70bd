package lens

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/lens/internal/testutil"
	"github.com/meigma/lens/record"
	"github.com/meigma/lens/stack"
	"github.com/meigma/lens/stash"
)

func TestUnfocusEmptyStack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		attr  string
		isSet bool
	}{
		{"absent", "", false},
		{"blank", "  ", true},
		{"empty array", "[]", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l, _ := newLens(t)
			data := abc(t)
			rec := record.NewMemory(data)
			if tt.isSet {
				require.NoError(t, rec.SetAttribute(stack.Attribute, tt.attr))
			}

			_, err := l.Unfocus(context.Background(), rec)
			require.ErrorIs(t, err, ErrStackEmpty)
			assert.Equal(t, data, rec.Payload())
		})
	}
}

func TestUnfocusMalformedStack(t *testing.T) {
	t.Parallel()

	l, _ := newLens(t)
	rec := record.NewMemory(nil)
	require.NoError(t, rec.SetAttribute(stack.Attribute, `[{"formatName":"tar"}]`))

	_, err := l.Unfocus(context.Background(), rec)
	require.ErrorIs(t, err, ErrParse)
}

func TestUnfocusDoubleRestore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, s := newLens(t)
	rec := record.NewMemory(abc(t))

	_, err := l.Focus(ctx, rec, "a.txt")
	require.NoError(t, err)
	saved, ok := rec.Attribute(stack.Attribute)
	require.True(t, ok)
	focused := rec.Payload()

	_, err = l.Unfocus(ctx, rec)
	require.NoError(t, err)

	// Replaying the stack must not find the already restored entries.
	replay := record.NewMemory(focused)
	require.NoError(t, replay.SetAttribute(stack.Attribute, saved))
	_, err = l.Unfocus(ctx, replay)
	require.ErrorIs(t, err, ErrStashMiss)
	assert.Equal(t, focused, replay.Payload())
	got, ok := replay.Attribute(stack.Attribute)
	assert.True(t, ok)
	assert.Equal(t, saved, got)
	assert.Equal(t, 0, s.Len())
}

func TestUnfocusKeepsStashOnMiss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, s := newLens(t)
	rec := record.NewMemory(testutil.Tar(t,
		testutil.F("a.txt", "A"),
		testutil.F("b.txt", "B"),
		testutil.F("c.txt", "C"),
		testutil.F("d.txt", "D"),
	))

	_, err := l.Focus(ctx, rec, "a.txt")
	require.NoError(t, err)
	require.Equal(t, 3, s.Len())

	// Lose b.txt.
	view := topView(t, rec)
	require.NoError(t, s.Delete(ctx, view.Entries[1].StashKey))

	before := rec.Attributes()
	_, err = l.Unfocus(ctx, rec)
	require.ErrorIs(t, err, ErrStashMiss)
	assert.Contains(t, err.Error(), "b.txt")
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, before, rec.Attributes())
	assert.Equal(t, "A", string(rec.Payload()))

	// The surviving entries are still restorable by key.
	for i, want := range map[int]string{2: "C", 3: "D"} {
		data, err := stash.Take(ctx, s, view.Entries[i].StashKey)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestUnfocusKeepsStashOnWriteFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, s := newLens(t)
	mem := record.NewMemory(abc(t))

	_, err := l.Focus(ctx, mem, "a.txt")
	require.NoError(t, err)
	before := mem.Attributes()

	_, err = l.Unfocus(ctx, failingRecord{mem})
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, before, mem.Attributes())

	_, err = l.Unfocus(ctx, mem)
	require.NoError(t, err)
	_, members := list(t, mem.Payload())
	require.Len(t, members, 3)
	assert.Equal(t, "C", members[2].Body)
}

// flakyStash fails the first read of opened content.
type flakyStash struct {
	*stash.Memory
	failed atomic.Bool
}

func (f *flakyStash) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := f.Memory.Open(ctx, key)
	if err != nil || f.failed.Swap(true) {
		return rc, err
	}
	rc.Close()
	return io.NopCloser(testutil.NewFailingReader([]byte("par"))), nil
}

func TestUnfocusRetriesAfterReadFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := stash.NewMemory()
	l, err := New(&flakyStash{Memory: mem}, WithStagingDir(t.TempDir()))
	require.NoError(t, err)
	rec := record.NewMemory(testutil.Tar(t,
		testutil.F("a.txt", "A"),
		testutil.F("b.txt", "B"),
		testutil.F("c.txt", "C"),
	))

	_, err = l.Focus(ctx, rec, "a.txt")
	require.NoError(t, err)
	require.Equal(t, 2, mem.Len())
	before := rec.Attributes()

	_, err = l.Unfocus(ctx, rec)
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.Equal(t, 2, mem.Len(), "a failed read keeps the entry stashed")
	assert.Equal(t, before, rec.Attributes())

	res, err := l.Unfocus(ctx, rec)
	require.NoError(t, err)
	assert.Zero(t, res.Depth)
	assert.Zero(t, mem.Len())
	_, members := list(t, rec.Payload())
	require.Len(t, members, 3)
	assert.Equal(t, "B", members[1].Body)
	assert.Equal(t, "C", members[2].Body)
}

func TestUnfocusDeferredRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, s := newLens(t, WithDeferredRelease(true))
	rec := record.NewMemory(testutil.Tar(t,
		testutil.F("a.txt", "A"),
		testutil.F("b.txt", "B"),
		testutil.F("c.txt", "C"),
	))

	focus, err := l.Focus(ctx, rec, "b.txt")
	require.NoError(t, err)
	require.Len(t, focus.Keys, 2)

	res, err := l.Unfocus(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, focus.Keys, res.Keys)
	assert.Equal(t, 2, s.Len(), "entries stay until released")

	require.NoError(t, l.Release(ctx, res.Keys))
	assert.Zero(t, s.Len())
	require.NoError(t, l.Release(ctx, res.Keys), "released keys are skipped")
}

func TestUnfocusKeepsModifiedPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _ := newLens(t, WithStashWorkers(2))
	rec := record.NewMemory(testutil.CPIO(t,
		testutil.F("conf", "old"),
		testutil.F("data", strings.Repeat("d", 1<<16)),
	))

	_, err := l.Focus(ctx, rec, "conf")
	require.NoError(t, err)
	require.NoError(t, rec.WritePayload(strings.NewReader("a much longer replacement")))
	_, err = l.Unfocus(ctx, rec)
	require.NoError(t, err)

	_, members := list(t, rec.Payload())
	require.Len(t, members, 2)
	assert.Equal(t, "a much longer replacement", members[0].Body)
	assert.Equal(t, strings.Repeat("d", 1<<16), members[1].Body)
}
