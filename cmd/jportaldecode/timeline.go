package main

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"sort"

	"github.com/aclements/go-ptjvm/split"
	"github.com/golang/freetype"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	timelineRowHeight = 16
	timelineWidth     = 1024
	timelineLabelW    = 48
)

// renderTimelinePNG draws one horizontal bar per CPU's work items,
// positioned by start_time/end_time and colored by whether AUX data
// was lost in or before the item, the same per-row colored-bar shape
// cmd/memanim rasterizes a memory-access frame with — reusing
// freetype's rasterizer (parsed against x/image's bundled Go-regular
// face rather than a filesystem font, unlike memanim's hard-coded
// DejaVuSans path) for the CPU-row labels.
func renderTimelinePNG(path string, items []split.Item) error {
	if len(items) == 0 {
		return fmt.Errorf("no work items to render")
	}

	byCPU := map[uint32][]split.Item{}
	var cpus []uint32
	var minT, maxT uint64
	first := true
	for _, it := range items {
		if _, ok := byCPU[it.CPU]; !ok {
			cpus = append(cpus, it.CPU)
		}
		byCPU[it.CPU] = append(byCPU[it.CPU], it)
		if it.StartTime == 0 && it.EndTime == 0 {
			continue
		}
		if first || it.StartTime < minT {
			minT = it.StartTime
		}
		if first || it.EndTime > maxT {
			maxT = it.EndTime
		}
		first = false
	}
	sort.Slice(cpus, func(i, j int) bool { return cpus[i] < cpus[j] })
	if maxT <= minT {
		maxT = minT + 1
	}

	height := len(cpus)*timelineRowHeight + 8
	img := image.NewNRGBA(image.Rect(0, 0, timelineWidth, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	font, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return fmt.Errorf("parsing embedded font: %w", err)
	}
	fc := freetype.NewContext()
	fc.SetFont(font)
	fc.SetFontSize(10)
	fc.SetSrc(image.Black)
	fc.SetDst(img)
	fc.SetClip(img.Bounds())

	plotW := timelineWidth - timelineLabelW
	for row, cpu := range cpus {
		y := row * timelineRowHeight
		fc.DrawString(fmt.Sprintf("cpu%d", cpu), freetype.Pt(2, y+timelineRowHeight-4))
		for _, it := range byCPU[cpu] {
			x0 := timelineLabelW + int((it.StartTime-minT)*uint64(plotW)/(maxT-minT))
			x1 := timelineLabelW + int((it.EndTime-minT)*uint64(plotW)/(maxT-minT))
			if x1 <= x0 {
				x1 = x0 + 1
			}
			c := color.NRGBA{R: 0x30, G: 0x70, B: 0xd0, A: 0xff}
			if it.Loss {
				c = color.NRGBA{R: 0xd0, G: 0x30, B: 0x30, A: 0xff}
			}
			bar := image.Rect(x0, y+2, x1, y+timelineRowHeight-2)
			draw.Draw(img, bar, &image.Uniform{C: c}, image.Point{}, draw.Src)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
