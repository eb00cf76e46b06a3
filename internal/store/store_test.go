package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	disk, err := NewDisk(filepath.Join(t.TempDir(), "chunks"))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemory(),
		"disk":   disk,
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set("f1-0", []byte("hello")))

			data, err := s.Get("f1-0")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), data)

			require.NoError(t, s.Delete("f1-0"))
			_, err = s.Get("f1-0")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, s.Delete("f1-0"), "deleting a missing key is not an error")
		})
	}
}

func TestStore_Overwrite(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set("k", []byte("first")))
			require.NoError(t, s.Set("k", []byte("second")))

			data, err := s.Get("k")
			require.NoError(t, err)
			assert.Equal(t, "second", string(data))
		})
	}
}

func TestStore_Clear(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := range 5 {
				require.NoError(t, s.Set(fmt.Sprintf("f-%d", i), []byte{byte(i)}))
			}
			require.NoError(t, s.Clear())

			for i := range 5 {
				_, err := s.Get(fmt.Sprintf("f-%d", i))
				assert.ErrorIs(t, err, ErrNotFound)
			}
			require.NoError(t, s.Set("after", []byte("x")), "store stays usable after Clear")
		})
	}
}

func TestStore_ConcurrentSet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := range 32 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, s.Set(fmt.Sprintf("f-%d", i), []byte(fmt.Sprint(i))))
				}()
			}
			wg.Wait()

			for i := range 32 {
				data, err := s.Get(fmt.Sprintf("f-%d", i))
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprint(i), string(data))
			}
		})
	}
}

func TestMemory_CopiesInput(t *testing.T) {
	m := NewMemory()
	buf := []byte("abc")
	require.NoError(t, m.Set("k", buf))
	buf[0] = 'z'

	data, err := m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	assert.Equal(t, 1, m.Len())
}

func TestDisk_NestedLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "chunks")
	d, err := NewDisk(root)
	require.NoError(t, err)
	require.NoError(t, d.Set("file-3", []byte("data")))

	dir, full := d.pathFor("file-3")
	assert.Equal(t, root, filepath.Dir(filepath.Dir(filepath.Dir(dir))))
	_, err = os.Stat(full)
	assert.NoError(t, err)
}
