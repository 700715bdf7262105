package vfs

import (
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/verror"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	dir := t.TempDir()
	u, err := url.Parse("vfs://" + dir)
	require.NoError(t, err)
	d, err := New(u)
	require.NoError(t, err)
	return d.(*Driver)
}

func TestNewMissingDirectory(t *testing.T) {
	u, err := url.Parse("vfs:///no/such/dir")
	require.NoError(t, err)

	_, err = New(u)
	assert.True(t, verror.IsNotFound(err))
}

func TestNewRejectsRelativePath(t *testing.T) {
	u, err := url.Parse("vfs://relative/path")
	require.NoError(t, err)

	_, err = New(u)
	assert.Error(t, err)
	assert.False(t, verror.IsNotFound(err))
}

func TestURLRoundTrip(t *testing.T) {
	d := newTestDriver(t)
	assert.True(t, strings.HasPrefix(d.URL(), "vfs:///"))
}

func TestWriteReadRemove(t *testing.T) {
	d := newTestDriver(t)

	require.NoError(t, d.Write("a/b/file.cfg", strings.NewReader("payload")))
	assert.True(t, d.FileExists("a/b/file.cfg"))
	assert.Equal(t, int64(len("payload")), d.FileSize("a/b/file.cfg"))

	rc, err := d.Read("a/b/file.cfg")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	require.NoError(t, d.Remove("a/b/file.cfg"))
	assert.False(t, d.FileExists("a/b/file.cfg"))

	// empty parents are pruned back to the root
	assert.NoDirExists(t, filepath.Join(d.path, "a"))
	assert.DirExists(t, d.path)
}

func TestRemoveKeepsNonEmptyParents(t *testing.T) {
	d := newTestDriver(t)

	require.NoError(t, d.Write("a/one", strings.NewReader("1")))
	require.NoError(t, d.Write("a/two", strings.NewReader("2")))

	require.NoError(t, d.Remove("a/one"))
	assert.True(t, d.FileExists("a/two"))
}

func TestRemoveMissingFile(t *testing.T) {
	d := newTestDriver(t)
	assert.NoError(t, d.Remove("never/existed"))
}

func TestWriteIsAtomic(t *testing.T) {
	d := newTestDriver(t)

	require.NoError(t, d.Write("file", strings.NewReader("v1")))
	require.NoError(t, d.Write("file", strings.NewReader("v2")))

	entries, err := os.ReadDir(d.path)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	rc, err := d.Read("file")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "v2", string(data))
}

func TestFileSizeOfDirectory(t *testing.T) {
	d := newTestDriver(t)
	require.NoError(t, d.Write("dir/file", strings.NewReader("x")))

	assert.Equal(t, int64(-1), d.FileSize("dir"))
	assert.False(t, d.FileExists("dir"))
}

func TestList(t *testing.T) {
	d := newTestDriver(t)

	require.NoError(t, d.Write("a/one.cfg", strings.NewReader("1")))
	require.NoError(t, d.Write("a/two.cfg", strings.NewReader("2")))
	require.NoError(t, d.Write("a/sub/three.cfg", strings.NewReader("3")))

	names, err := d.List("a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one.cfg", "two.cfg", "sub"}, names)

	_, err = d.List("missing")
	assert.Error(t, err)
}
