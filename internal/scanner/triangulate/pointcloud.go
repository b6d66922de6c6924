package triangulate

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
)

// Reproject maps matched correspondences through the Q matrix into
// millimeter-scale 3D points: for rectified pixel (x, y) and disparity
// d, [X Y Z W]^T = Q * [x y d 1]^T, point = (X/W, Y/W, Z/W).
func Reproject(matches []MatchResult, q [4][4]float64) []scantypes.Point3D {
	out := make([]scantypes.Point3D, 0, len(matches))
	for _, m := range matches {
		x, y, d := float64(m.LeftX), float64(m.Row), m.Disparity
		X := q[0][0]*x + q[0][1]*y + q[0][2]*d + q[0][3]
		Y := q[1][0]*x + q[1][1]*y + q[1][2]*d + q[1][3]
		Z := q[2][0]*x + q[2][1]*y + q[2][2]*d + q[2][3]
		W := q[3][0]*x + q[3][1]*y + q[3][2]*d + q[3][3]
		if W == 0 {
			continue
		}
		out = append(out, scantypes.Point3D{
			X:          X / W,
			Y:          Y / W,
			Z:          Z / W,
			Confidence: m.Confidence,
		})
	}
	return out
}

// ReprojectDisparityMap maps a finalised disparity raster (as produced
// by DisparityAccumulator.Finalize) through the Q matrix, skipping
// pixels with disparity <= 0. weight supplies each point's Confidence.
func ReprojectDisparityMap(disp, weight []float64, width, height int, q [4][4]float64) []scantypes.Point3D {
	out := make([]scantypes.Point3D, 0, len(disp)/4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			d := disp[idx]
			if d <= 0 {
				continue
			}
			fx, fy := float64(x), float64(y)
			X := q[0][0]*fx + q[0][1]*fy + q[0][2]*d + q[0][3]
			Y := q[1][0]*fx + q[1][1]*fy + q[1][2]*d + q[1][3]
			Z := q[2][0]*fx + q[2][1]*fy + q[2][2]*d + q[2][3]
			W := q[3][0]*fx + q[3][1]*fy + q[3][2]*d + q[3][3]
			if W == 0 {
				continue
			}
			out = append(out, scantypes.Point3D{
				X:          X / W,
				Y:          Y / W,
				Z:          Z / W,
				Confidence: weight[idx],
			})
		}
	}
	return out
}

// ClipToCube drops points outside the cube [-halfExtent, +halfExtent]
// on every axis, the default reconstruction volume.
func ClipToCube(points []scantypes.Point3D, halfExtent float64) []scantypes.Point3D {
	out := points[:0:0]
	for _, p := range points {
		if math.Abs(p.X) > halfExtent || math.Abs(p.Y) > halfExtent || math.Abs(p.Z) > halfExtent {
			continue
		}
		out = append(out, p)
	}
	return out
}

// gridCell is a spatial hash key for uniform-grid neighbour lookup.
type gridCell struct{ x, y, z int32 }

func cellFor(p scantypes.Point3D, size float64) gridCell {
	return gridCell{
		x: int32(math.Floor(p.X / size)),
		y: int32(math.Floor(p.Y / size)),
		z: int32(math.Floor(p.Z / size)),
	}
}

// RemoveStatisticalOutliers drops points whose mean distance to their
// k nearest neighbours exceeds mean+stdDevMul*stddev across the whole
// cloud, the standard statistical-outlier-removal filter. Neighbour
// candidates are found via a uniform spatial hash grid sized to
// searchRadius rather than a k-d tree. A point with no neighbour in its
// own or an adjacent grid cell is always dropped; if no point has one,
// the cloud is returned unchanged.
func RemoveStatisticalOutliers(points []scantypes.Point3D, k int, stdDevMul float64, searchRadius float64) []scantypes.Point3D {
	if len(points) < k+1 {
		return points
	}

	buckets := make(map[gridCell][]int, len(points))
	for i, p := range points {
		c := cellFor(p, searchRadius)
		buckets[c] = append(buckets[c], i)
	}

	meanDist := make([]float64, len(points))
	for i, p := range points {
		c := cellFor(p, searchRadius)
		var dists []float64
		for dx := int32(-1); dx <= 1; dx++ {
			for dy := int32(-1); dy <= 1; dy++ {
				for dz := int32(-1); dz <= 1; dz++ {
					nc := gridCell{c.x + dx, c.y + dy, c.z + dz}
					for _, j := range buckets[nc] {
						if j == i {
							continue
						}
						dists = append(dists, distance3(p, points[j]))
					}
				}
			}
		}
		if len(dists) == 0 {
			meanDist[i] = math.Inf(1)
			continue
		}
		sort.Float64s(dists)
		if len(dists) > k {
			dists = dists[:k]
		}
		meanDist[i] = meanOf(dists)
	}

	finite := make([]float64, 0, len(meanDist))
	for _, m := range meanDist {
		if !math.IsInf(m, 1) {
			finite = append(finite, m)
		}
	}
	if len(finite) == 0 {
		return points
	}
	mean, std := stat.MeanStdDev(finite, nil)
	threshold := mean + stdDevMul*std

	out := make([]scantypes.Point3D, 0, len(points))
	for i, p := range points {
		if meanDist[i] <= threshold {
			out = append(out, p)
		}
	}
	return out
}

func distance3(a, b scantypes.Point3D) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// VoxelDownsample collapses points sharing a voxel of the given edge
// length down to one representative: the first point encountered that
// falls in that bucket. Buckets are indexed relative to the cloud's
// minimum corner, matching a floor((p-p_min)/voxelSize) grid.
func VoxelDownsample(points []scantypes.Point3D, voxelSize float64) []scantypes.Point3D {
	if voxelSize <= 0 || len(points) == 0 {
		return points
	}

	min := points[0]
	for _, p := range points[1:] {
		if p.X < min.X {
			min.X = p.X
		}
		if p.Y < min.Y {
			min.Y = p.Y
		}
		if p.Z < min.Z {
			min.Z = p.Z
		}
	}

	seen := make(map[gridCell]int, len(points))
	for i, p := range points {
		c := gridCell{
			x: int32(math.Floor((p.X - min.X) / voxelSize)),
			y: int32(math.Floor((p.Y - min.Y) / voxelSize)),
			z: int32(math.Floor((p.Z - min.Z) / voxelSize)),
		}
		if _, ok := seen[c]; !ok {
			seen[c] = i
		}
	}

	out := make([]scantypes.Point3D, 0, len(seen))
	for _, i := range seen {
		out = append(out, points[i])
	}
	return out
}
