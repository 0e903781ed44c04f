package sprite

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// rasterizeSVG renders an SVG icon at its view box size times ratio.
func rasterizeSVG(svgFile string, ratio int) (*image.RGBA, error) {
	f, err := os.Open(svgFile)
	if err != nil {
		return nil, fmt.Errorf("open icon: %w", err)
	}
	defer f.Close()

	icon, err := oksvg.ReadIconStream(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(svgFile), err)
	}

	w := int(icon.ViewBox.W) * ratio
	h := int(icon.ViewBox.H) * ratio
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%s: empty view box", filepath.Base(svgFile))
	}
	icon.SetTarget(0, 0, float64(w), float64(h))

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	scanner := rasterx.NewScannerGV(w, h, img, img.Bounds())
	dasher := rasterx.NewDasher(w, h, scanner)
	icon.Draw(dasher, 1)
	return img, nil
}
