package gym

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareEnvFresh(t *testing.T) {
	paths := testPaths(t)
	dir, err := paths.PrepareEnv("", "3_demo_x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(paths.Envs, "3_demo_x"), dir)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPrepareEnvClones(t *testing.T) {
	paths := testPaths(t)
	src := filepath.Join(paths.Envs, "example")
	writeFile(t, filepath.Join(src, "tests.py"), "assert True\n")
	writeFile(t, filepath.Join(src, "pkg", "mod.py"), "x = 1\n")
	require.NoError(t, os.Chmod(filepath.Join(src, "pkg", "mod.py"), 0o755))
	require.NoError(t, os.Symlink("tests.py", filepath.Join(src, "link.py")))

	dst, err := paths.PrepareEnv("example", "1_demo_x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(paths.Envs, "example_1_demo_x"), dst)

	data, err := os.ReadFile(filepath.Join(dst, "pkg", "mod.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(data))
	info, err := os.Stat(filepath.Join(dst, "pkg", "mod.py"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	link, err := os.Readlink(filepath.Join(dst, "link.py"))
	require.NoError(t, err)
	assert.Equal(t, "tests.py", link)

	// A stale clone is replaced, not merged.
	writeFile(t, filepath.Join(dst, "stale.txt"), "old")
	dst, err = paths.PrepareEnv("example", "1_demo_x")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dst, "stale.txt"))
	assert.True(t, os.IsNotExist(err))

	// The source is untouched.
	_, err = os.Stat(filepath.Join(src, "tests.py"))
	assert.NoError(t, err)
}

func TestPrepareEnvMissingSource(t *testing.T) {
	_, err := testPaths(t).PrepareEnv("absent", "1_demo_x")
	assert.ErrorIs(t, err, ErrEnvNotFound)
}
