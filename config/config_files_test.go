package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigFiles_SimpleFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "pktdma.conf")
	require.NoError(t, os.WriteFile(f, []byte("engine: {}\n"), 0o600))

	// A file named directly is read whatever its extension.
	read, err := ReadConfigFiles(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"engine: {}\n"}, read)
}

func TestReadConfigFiles_Directory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "devices")
	require.NoError(t, os.Mkdir(sub, 0o700))

	files := map[string]string{
		filepath.Join(dir, "b.yml"):       "b",
		filepath.Join(dir, "a.yaml"):      "a",
		filepath.Join(dir, "skip.txt"):    "skip",
		filepath.Join(sub, "c.yml"):       "c",
		filepath.Join(sub, "skip.backup"): "skip",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(name, []byte(body), 0o600))
	}

	read, err := ReadConfigFiles(dir)
	require.NoError(t, err)
	// Sorted by absolute path, so the subdirectory sorts after a.yaml and b.yml.
	assert.Equal(t, []string{"a", "b", "c"}, read)
}

func TestReadConfigFiles_Errors(t *testing.T) {
	_, err := ReadConfigFiles(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme"), []byte("x"), 0o600))
	_, err = ReadConfigFiles(dir)
	assert.EqualError(t, err, "no config files found at "+dir)
}
