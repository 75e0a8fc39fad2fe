// Command lutcam applies a .cube 3D color lookup table to a still image
// using the CPU reference path.
//
// Usage:
//
//	lutcam -lut grade.cube [-strict] [-width 1920] input.jpg output.png
//
// Input formats: png, jpeg, gif, webp, tiff, bmp. The output format
// follows the output file extension (webp is decode-only).
package main

import (
	"flag"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	_ "golang.org/x/image/webp"

	"github.com/abc0922001/lutcam"
	"github.com/abc0922001/lutcam/cube"
)

func main() {
	var (
		lutPath = flag.String("lut", "", "path to the .cube table (required)")
		strict  = flag.Bool("strict", false, "reject malformed table rows instead of skipping them")
		width   = flag.Int("width", 0, "scale the image to this width before grading (0 = keep size)")
	)
	flag.Parse()

	if *lutPath == "" || flag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s -lut file.cube [-strict] [-width N] input output\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	if err := run(*lutPath, *strict, *width, flag.Arg(0), flag.Arg(1)); err != nil {
		log.Fatalf("lutcam: %v", err)
	}
}

func run(lutPath string, strict bool, width int, inPath, outPath string) error {
	tbl, err := loadTable(lutPath, strict)
	if err != nil {
		return err
	}

	src, err := loadImage(inPath)
	if err != nil {
		return err
	}

	if width > 0 && width < src.Bounds().Dx() {
		src = resize.Resize(uint(width), 0, src, resize.Lanczos3)
	}

	dst, err := lutcam.Apply(src, tbl)
	if err != nil {
		return fmt.Errorf("apply table: %w", err)
	}

	return saveImage(outPath, dst)
}

func loadTable(path string, strict bool) (*cube.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tbl, err := cube.ParseWith(f, cube.Options{Strict: strict})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return tbl, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	log.Printf("loaded %s (%s, %dx%d)", path, format, img.Bounds().Dx(), img.Bounds().Dy())
	return img, nil
}

func saveImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = png.Encode(f, img)
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	case ".gif":
		err = gif.Encode(f, img, nil)
	case ".tif", ".tiff":
		err = tiff.Encode(f, img, nil)
	case ".bmp":
		err = bmp.Encode(f, img)
	default:
		err = fmt.Errorf("unsupported output format %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
