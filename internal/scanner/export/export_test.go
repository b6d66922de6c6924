package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanclient/internal/fsutil"
	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
)

func TestWritePLY_WritesHeaderAndVertices(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	path := filepath.Join(os.TempDir(), "scan.ply")

	cloud := &scantypes.PointCloud{
		Points: []scantypes.Point3D{
			{X: 1, Y: 2, Z: 3, Confidence: 0.9},
			{X: -1, Y: 0, Z: 5, Confidence: 0.5},
		},
	}

	err := WritePLY(mfs, path, cloud)
	require.NoError(t, err)

	data, err := mfs.ReadFile(path)
	require.NoError(t, err)

	out := string(data)
	assert.True(t, strings.HasPrefix(out, "ply\n"))
	assert.Contains(t, out, "element vertex 2\n")
	assert.Contains(t, out, "1.000000 2.000000 3.000000 0.900000\n")
}

func TestWritePLY_NilCloudWritesEmptyHeader(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	path := filepath.Join(os.TempDir(), "empty.ply")

	err := WritePLY(mfs, path, nil)
	require.NoError(t, err)

	data, err := mfs.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "element vertex 0\n")
}

func TestWritePLY_RejectsPathOutsideAllowedDirs(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()

	err := WritePLY(mfs, "/etc/scan.ply", &scantypes.PointCloud{})
	assert.Error(t, err)
}

func TestReadPLY_RoundTripsWrittenCloud(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	path := filepath.Join(os.TempDir(), "roundtrip.ply")

	original := &scantypes.PointCloud{
		Points: []scantypes.Point3D{
			{X: 1.5, Y: -2.5, Z: 3, Confidence: 1},
			{X: 0, Y: 0, Z: 0, Confidence: 0},
		},
	}
	require.NoError(t, WritePLY(mfs, path, original))

	got, err := ReadPLY(mfs, path)
	require.NoError(t, err)
	require.Len(t, got.Points, 2)
	assert.InDelta(t, 1.5, got.Points[0].X, 1e-6)
	assert.InDelta(t, -2.5, got.Points[0].Y, 1e-6)
	assert.InDelta(t, 1.0, got.Points[0].Confidence, 1e-6)
}
