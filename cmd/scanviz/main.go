// Command scanviz renders a quick HTML scatter plot of an exported
// point cloud, a standalone debug tool since this client has no web
// dashboard of its own.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/scanclient/internal/fsutil"
	"github.com/banshee-data/scanclient/internal/scanner/export"
	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
)

var (
	inputPath  = flag.String("in", "scan.ply", "path to a PLY point cloud exported by cmd/scanner")
	outputPath = flag.String("out", "scan.html", "path to write the rendered HTML chart")
	maxPoints  = flag.Int("max-points", 20000, "downsample to at most this many points")
)

func main() {
	flag.Parse()

	fs := fsutil.OSFileSystem{}
	cloud, err := export.ReadPLY(fs, *inputPath)
	if err != nil {
		log.Fatalf("scanviz: reading point cloud: %v", err)
	}
	if len(cloud.Points) == 0 {
		log.Fatalf("scanviz: %s contains no points", *inputPath)
	}

	html := renderTopDown(cloud, *maxPoints)
	if err := os.WriteFile(*outputPath, html, 0o644); err != nil {
		log.Fatalf("scanviz: writing %s: %v", *outputPath, err)
	}
	log.Printf("scanviz: rendered %d points to %s", len(cloud.Points), *outputPath)
}

// renderTopDown plots a top-down (X, Y) view of the cloud, colouring
// each point by its Z height.
func renderTopDown(cloud *scantypes.PointCloud, maxPoints int) []byte {
	stride := 1
	if len(cloud.Points) > maxPoints {
		stride = (len(cloud.Points) + maxPoints - 1) / maxPoints
	}

	data := make([]opts.ScatterData, 0, len(cloud.Points)/stride+1)
	maxAbs, minZ, maxZ := 0.0, math.Inf(1), math.Inf(-1)
	for i := 0; i < len(cloud.Points); i += stride {
		p := cloud.Points[i]
		if math.Abs(p.X) > maxAbs {
			maxAbs = math.Abs(p.X)
		}
		if math.Abs(p.Y) > maxAbs {
			maxAbs = math.Abs(p.Y)
		}
		if p.Z < minZ {
			minZ = p.Z
		}
		if p.Z > maxZ {
			maxZ = p.Z
		}
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Z}})
	}
	if maxAbs == 0 {
		maxAbs = 1
	}
	pad := maxAbs * 1.05
	if minZ == maxZ {
		maxZ = minZ + 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Scan Point Cloud", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Reconstructed Point Cloud", Subtitle: fmt.Sprintf("points=%d stride=%d", len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (mm)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (mm)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(minZ),
			Max:        float32(maxZ),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)
	scatter.AddSeries("cloud", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		log.Fatalf("scanviz: rendering chart: %v", err)
	}
	return buf.Bytes()
}
