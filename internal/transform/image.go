package transform

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
	_ "golang.org/x/image/webp"

	"github.com/yourusername/metasqueeze/internal/artifact"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// ImageInputExts は画像最適化が受け付ける拡張子です。
var ImageInputExts = []string{"png", "jpg", "jpeg", "webp"}

// ImageOptions は画像最適化の設定です。
type ImageOptions struct {
	MaxEdge   int    // 長辺の上限
	Quality   int    // JPEG/WEBP の品質
	CWebPPath string // WEBP エンコーダ（cwebp）のパス
}

func (o ImageOptions) withDefaults() ImageOptions {
	if o.MaxEdge <= 0 {
		o.MaxEdge = 1024
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = 85
	}
	if o.CWebPPath == "" {
		o.CWebPPath = "cwebp"
	}
	return o
}

// OptimizeImage は指定形式（WEBP/JPEG/PNG）へ縮小・再エンコードする変換関数を返します。
func OptimizeImage(format string, opts ImageOptions) Func {
	opts = opts.withDefaults()
	format = strings.ToUpper(format)
	return func(ctx context.Context, inputPath, outputPath string) error {
		src, err := imaging.Open(inputPath)
		if err != nil {
			return newError(CodeValidation, "Cannot decode image", err)
		}
		img := Downscale(src, opts.MaxEdge)

		switch format {
		case "JPEG":
			return saveImage(outputPath, FlattenAlpha(img, color.White), imaging.JPEG, imaging.JPEGQuality(opts.Quality))
		case "PNG":
			return saveImage(outputPath, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
		case "WEBP", "":
			return encodeWebP(ctx, img, outputPath, opts)
		default:
			return newError(CodeUnsupportedKind, fmt.Sprintf("Unsupported output format: %s", format), nil)
		}
	}
}

// Downscale は長辺が maxEdge 以下になるよう縦横比を保って縮小します。拡大はしません。
func Downscale(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxEdge && b.Dy() <= maxEdge {
		return img
	}
	return imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
}

// FlattenAlpha は透過部分を背景色で塗りつぶした不透明画像を返します。
func FlattenAlpha(img image.Image, bg color.Color) *image.NRGBA {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), bg)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

func saveImage(path string, img image.Image, format imaging.Format, opts ...imaging.EncodeOption) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if err := imaging.Encode(file, img, format, opts...); err != nil {
		file.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return file.Close()
}

// encodeWebP は一旦 PNG に書き出してから cwebp で WEBP に変換します。
func encodeWebP(ctx context.Context, img image.Image, outputPath string, opts ImageOptions) error {
	staged := filepath.Join(filepath.Dir(outputPath), ".stage-"+strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))+".png")
	if err := saveImage(staged, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
		return err
	}
	defer os.Remove(staged)

	return runTool(ctx, opts.CWebPPath,
		"-quiet",
		"-q", fmt.Sprint(opts.Quality),
		staged,
		"-o", outputPath,
	)
}

// InspectImage は寸法・形式と EXIF のカメラ情報・撮影日時・GPS を読み取ります。
// EXIF がない、または壊れている場合は読めた範囲だけを返します。
func InspectImage(inputPath string) (*artifact.ImageMeta, error) {
	file, err := os.Open(inputPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg, format, err := image.DecodeConfig(file)
	if err != nil {
		return nil, newError(CodeValidation, "Cannot decode image", err)
	}
	meta := &artifact.ImageMeta{
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: strings.ToUpper(format),
	}

	if _, err := file.Seek(0, 0); err != nil {
		return meta, nil
	}
	x, err := exif.Decode(file)
	if err != nil {
		return meta, nil
	}
	applyExif(meta, x)
	return meta, nil
}

func applyExif(meta *artifact.ImageMeta, x *exif.Exif) {
	if v, ok := exifString(x, exif.Make); ok {
		meta.CameraMake = v
	}
	if v, ok := exifString(x, exif.Model); ok {
		meta.CameraModel = v
	}
	if v, ok := exifString(x, exif.DateTime); ok {
		if t, err := ParseExifTime(v); err == nil {
			meta.TakenAt = &t
		}
	}
	if lat, ok := exifCoordinate(x, exif.GPSLatitude, exif.GPSLatitudeRef, "N"); ok {
		meta.GPSLatitude = &lat
	}
	if lng, ok := exifCoordinate(x, exif.GPSLongitude, exif.GPSLongitudeRef, "E"); ok {
		meta.GPSLongitude = &lng
	}
}

// ParseExifTime は EXIF の "YYYY:MM:DD HH:MM:SS" 形式を解釈します。
func ParseExifTime(v string) (time.Time, error) {
	return time.Parse(exifTimeLayout, strings.TrimSpace(strings.Trim(v, "\x00")))
}

func exifString(x *exif.Exif, name exif.FieldName) (string, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return "", false
	}
	v, err := tag.StringVal()
	if err != nil {
		return "", false
	}
	v = strings.TrimSpace(strings.Trim(v, "\x00"))
	return v, v != ""
}

func exifCoordinate(x *exif.Exif, field, refField exif.FieldName, defaultRef string) (float64, bool) {
	tag, err := x.Get(field)
	if err != nil {
		return 0, false
	}
	dms, ok := rationalTriplet(tag)
	if !ok {
		return 0, false
	}
	ref, ok := exifString(x, refField)
	if !ok {
		ref = defaultRef
	}
	return ToDecimal(dms[0], dms[1], dms[2], ref), true
}

func rationalTriplet(tag *tiff.Tag) ([3]float64, bool) {
	var out [3]float64
	if tag.Count < 3 {
		return out, false
	}
	for i := 0; i < 3; i++ {
		num, den, err := tag.Rat2(i)
		if err != nil || den == 0 {
			return out, false
		}
		out[i] = float64(num) / float64(den)
	}
	return out, true
}
