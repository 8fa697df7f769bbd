package writer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileWriter_PreallocateAndWriteAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	w, err := New(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Preallocate(10))
	size, err := w.Size()
	require.NoError(t, err)
	require.EqualValues(t, 10, size)

	ctx := context.Background()
	require.NoError(t, w.WriteAt(ctx, 5, []byte("hello")))
	require.NoError(t, w.Flush(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 'h', 'e', 'l', 'l', 'o'}, data)
}

func TestFileWriter_CreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "sub", "out.bin")

	w, err := New(path)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(filepath.Dir(path))
	require.NoError(t, err)
}

func TestFileWriter_ConcurrentWritesAreSerialized(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	w, err := New(path)
	require.NoError(t, err)
	defer w.Close()

	const size = 4096
	require.NoError(t, w.Preallocate(size))

	var wg sync.WaitGroup
	ctx := context.Background()
	for i := 0; i < size; i += 64 {
		wg.Add(1)
		go func(offset int64) {
			defer wg.Done()
			buf := make([]byte, 64)
			for j := range buf {
				buf[j] = byte(offset)
			}
			require.NoError(t, w.WriteAt(ctx, offset, buf))
		}(int64(i))
	}
	wg.Wait()
	require.NoError(t, w.Flush(ctx))

	got, err := w.Size()
	require.NoError(t, err)
	require.EqualValues(t, size, got)
}

func TestNoopWriter(t *testing.T) {
	var w NoopWriter
	require.NoError(t, w.Preallocate(100))
	require.NoError(t, w.WriteAt(context.Background(), 0, []byte("x")))
	require.NoError(t, w.Flush(context.Background()))
	size, err := w.Size()
	require.NoError(t, err)
	require.EqualValues(t, 0, size)
	require.NoError(t, w.Close())
	require.NoError(t, w.Delete())
}
