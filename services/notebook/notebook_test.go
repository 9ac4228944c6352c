package notebook

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestDetect(t *testing.T) {
	assert.Nil(t, Detect(env(nil)))

	d := Detect(env(map[string]string{EnvColab: "release-colab_20240919"}))
	require.NotNil(t, d)
	assert.Equal(t, ColabDir, d.(*DirCopier).Dir)

	d = Detect(env(map[string]string{EnvColab: "x", EnvDownloadDir: "/tmp/out"}))
	require.NotNil(t, d)
	assert.Equal(t, "/tmp/out", d.(*DirCopier).Dir)
}

func TestDirCopierCopiesReport(t *testing.T) {
	src := filepath.Join(t.TempDir(), "prime_gap_report_100_50_m0.csv")
	require.NoError(t, os.WriteFile(src, []byte("Prime,Gap,Merit,Lookup_Time\n113,14,0.6231,0.001\n"), 0o644))

	dir := filepath.Join(t.TempDir(), "downloads")
	require.NoError(t, (&DirCopier{Dir: dir}).Download(context.Background(), src))

	got, err := os.ReadFile(filepath.Join(dir, filepath.Base(src)))
	require.NoError(t, err)
	assert.Contains(t, string(got), "113,14")
}

func TestDirCopierSameDirIsNoop(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "r.csv")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	assert.NoError(t, (&DirCopier{Dir: dir}).Download(context.Background(), src))
}

func TestDirCopierErrors(t *testing.T) {
	c := &DirCopier{Dir: t.TempDir()}
	assert.Error(t, c.Download(context.Background(), filepath.Join(t.TempDir(), "missing.csv")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Download(ctx, "whatever.csv"), context.Canceled)
}
