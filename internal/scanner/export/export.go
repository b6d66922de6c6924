// Package export writes reconstructed point clouds to disk, for
// tooling built on top of a Session.
package export

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/scanclient/internal/fsutil"
	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
	"github.com/banshee-data/scanclient/internal/security"
)

// WritePLY serialises a point cloud as an ASCII PLY file (the common
// interchange format for point-cloud viewers and meshing tools), using
// fs so callers can redirect to an in-memory filesystem under test.
// path is validated against path traversal before touching disk.
func WritePLY(fs fsutil.FileSystem, path string, cloud *scantypes.PointCloud) error {
	if err := security.ValidateExportPath(path); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if cloud == nil {
		cloud = &scantypes.PointCloud{}
	}

	var b strings.Builder
	b.WriteString("ply\n")
	b.WriteString("format ascii 1.0\n")
	fmt.Fprintf(&b, "element vertex %d\n", len(cloud.Points))
	b.WriteString("property float x\n")
	b.WriteString("property float y\n")
	b.WriteString("property float z\n")
	b.WriteString("property float confidence\n")
	b.WriteString("end_header\n")
	for _, p := range cloud.Points {
		fmt.Fprintf(&b, "%f %f %f %f\n", p.X, p.Y, p.Z, p.Confidence)
	}

	return fs.WriteFile(path, []byte(b.String()), 0o644)
}

// ReadPLY parses an ASCII PLY file written by WritePLY back into a
// point cloud, used by debug tooling that reads an exported scan
// result rather than talking to a live session.
func ReadPLY(fs fsutil.FileSystem, path string) (*scantypes.PointCloud, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("export: read: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	inHeader := true
	var vertexCount int
	cloud := &scantypes.PointCloud{}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if inHeader {
			switch {
			case strings.HasPrefix(line, "element vertex "):
				vertexCount, err = strconv.Atoi(strings.TrimPrefix(line, "element vertex "))
				if err != nil {
					return nil, fmt.Errorf("export: parse vertex count: %w", err)
				}
			case line == "end_header":
				inHeader = false
				cloud.Points = make([]scantypes.Point3D, 0, vertexCount)
			}
			continue
		}
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("export: malformed vertex line %q", line)
		}
		var p scantypes.Point3D
		if p.X, err = strconv.ParseFloat(fields[0], 64); err != nil {
			return nil, fmt.Errorf("export: parse x: %w", err)
		}
		if p.Y, err = strconv.ParseFloat(fields[1], 64); err != nil {
			return nil, fmt.Errorf("export: parse y: %w", err)
		}
		if p.Z, err = strconv.ParseFloat(fields[2], 64); err != nil {
			return nil, fmt.Errorf("export: parse z: %w", err)
		}
		if p.Confidence, err = strconv.ParseFloat(fields[3], 64); err != nil {
			return nil, fmt.Errorf("export: parse confidence: %w", err)
		}
		cloud.Points = append(cloud.Points, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("export: scan: %w", err)
	}
	return cloud, nil
}
