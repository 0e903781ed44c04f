// Package sprite builds and locates the sprite sheets of locally hosted
// styles. Sprites are never fetched upstream.
package sprite

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// DefaultName is the file name of sprite sheets built by Build.
const DefaultName = "sprite"

var ErrNoIcons = errors.New("no icons found")

// Meta is one entry of a sprite index.
type Meta struct {
	X          int `json:"x"`
	Y          int `json:"y"`
	Width      int `json:"width"`
	Height     int `json:"height"`
	PixelRatio int `json:"pixelRatio"`
}

// Build renders <styleDir>/icons/*.svg and *.png into
// <styleDir>/sprites/sprite{,@2x}.{png,json}. It returns the icon names.
func Build(styleDir string) ([]string, error) {
	iconsDir := filepath.Join(styleDir, "icons")
	files, err := iconFiles(iconsDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", iconsDir, ErrNoIcons)
	}

	spritesDir := filepath.Join(styleDir, "sprites")
	if err := os.MkdirAll(spritesDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create sprite directory: %w", err)
	}

	var names []string
	for _, ratio := range []int{1, 2} {
		sheet, meta, err := pack(files, ratio)
		if err != nil {
			return nil, err
		}
		dest := filepath.Join(spritesDir, DefaultName+suffix(ratio))
		if err := saveImage(sheet, dest+".png"); err != nil {
			return nil, err
		}
		if err := saveJSON(meta, dest+".json"); err != nil {
			return nil, err
		}
		if names == nil {
			for name := range meta {
				names = append(names, name)
			}
			sort.Strings(names)
		}
	}
	return names, nil
}

func iconFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.svg", "*.png"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("read icons: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// pack lays the icons out left to right at the given pixel ratio.
func pack(files []string, ratio int) (*image.RGBA, map[string]Meta, error) {
	var images []image.Image
	var spriteWidth, maxHeight int
	meta := make(map[string]Meta)

	for _, file := range files {
		img, err := loadIcon(file, ratio)
		if err != nil {
			return nil, nil, err
		}
		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		if _, dup := meta[name]; dup {
			continue
		}

		images = append(images, img)
		bounds := img.Bounds()
		width, height := bounds.Dx(), bounds.Dy()
		meta[name] = Meta{
			X:          spriteWidth,
			Y:          0,
			Width:      width,
			Height:     height,
			PixelRatio: ratio,
		}
		spriteWidth += width
		if height > maxHeight {
			maxHeight = height
		}
	}

	sheet := image.NewRGBA(image.Rect(0, 0, spriteWidth, maxHeight))
	currentX := 0
	for _, img := range images {
		bounds := img.Bounds()
		width, height := bounds.Dx(), bounds.Dy()
		draw.Draw(sheet, image.Rect(currentX, 0, currentX+width, height), img, bounds.Min, draw.Over)
		currentX += width
	}
	return sheet, meta, nil
}

func loadIcon(file string, ratio int) (image.Image, error) {
	if strings.HasSuffix(file, ".svg") {
		return rasterizeSVG(file, ratio)
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open icon: %w", err)
	}
	img, err := png.Decode(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(file), err)
	}
	if ratio == 1 {
		return img, nil
	}

	b := img.Bounds()
	scaled := image.NewRGBA(image.Rect(0, 0, b.Dx()*ratio, b.Dy()*ratio))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), img, b, xdraw.Over, nil)
	return scaled, nil
}

func suffix(ratio int) string {
	if ratio == 1 {
		return ""
	}
	return fmt.Sprintf("@%dx", ratio)
}

func saveImage(img image.Image, filename string) error {
	outFile, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create sprite image: %w", err)
	}
	defer outFile.Close()
	if err := png.Encode(outFile, img); err != nil {
		return fmt.Errorf("encode sprite image: %w", err)
	}
	return nil
}

func saveJSON(meta map[string]Meta, filename string) error {
	jsonFile, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create sprite index: %w", err)
	}
	defer jsonFile.Close()
	encoder := json.NewEncoder(jsonFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("encode sprite index: %w", err)
	}
	return nil
}
