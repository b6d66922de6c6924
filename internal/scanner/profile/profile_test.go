package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ValidProfile(t *testing.T) {
	path := writeProfile(t, `{
		"control_endpoint": "127.0.0.1:9000",
		"stream_endpoint": "127.0.0.1:9001",
		"family": "gray_code",
		"calibration": {
			"image_width": 640,
			"image_height": 480
		}
	}`)

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", p.ControlEndpoint)

	cfg := p.ToSessionConfig()
	assert.Equal(t, "127.0.0.1:9001", cfg.StreamEndpoint)
	assert.NotNil(t, cfg.Calibration)
}

func TestLoad_RejectsNonJSONExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.txt")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsMissingCalibration(t *testing.T) {
	path := writeProfile(t, `{"control_endpoint": "h:1", "stream_endpoint": "h:2"}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsMissingEndpoints(t *testing.T) {
	path := writeProfile(t, `{"calibration": {"image_width": 640, "image_height": 480}}`)

	_, err := Load(path)
	assert.Error(t, err)
}
