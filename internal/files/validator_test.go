package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFiles(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "notes.txt")
	empty := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(doc, []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(empty, nil, 0644))

	infos, err := ValidateFiles([]string{doc, empty, doc})
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "notes.txt", infos[0].Name)
	assert.EqualValues(t, 5, infos[0].Size)
	assert.Contains(t, infos[0].Type, "text/plain")
	assert.EqualValues(t, 0, infos[1].Size)
	assert.Equal(t, "application/octet-stream", infos[1].Type)
}

func TestValidateFiles_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := ValidateFiles(nil)
	assert.Error(t, err)

	_, err = ValidateFiles([]string{filepath.Join(dir, "missing"), dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
	assert.Contains(t, err.Error(), "is a directory")
}
