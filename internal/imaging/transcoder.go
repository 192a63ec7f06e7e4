// Package imaging reads, re-encodes and resizes uploaded images
package imaging

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrImageTooLarge     = errors.New("image dimensions exceed the allowed limit")
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
)

type Fit string

const (
	// FitCover fills the whole box and crops what doesn't fit
	FitCover Fit = "cover"
	// FitInside scales the image down until it fits in the box
	FitInside Fit = "inside"
)

const DefaultQuality = 85

type Metadata struct {
	Width      int
	Height     int
	Format     Format
	HasAlpha   bool
	ColorSpace string
}

type OptimizeOptions struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
	// Format defaults to the format of the input
	Format Format
}

type ThumbnailOptions struct {
	Width   int
	Height  int
	Fit     Fit
	Quality int
	Format  Format
}

type Result struct {
	Data   []byte
	Width  int
	Height int
	Format Format
}

func (r *Result) MimeType() string {
	return r.Format.MimeType()
}

type Transcoder interface {
	Metadata(ctx context.Context, data []byte) (*Metadata, error)
	Optimize(ctx context.Context, data []byte, opts OptimizeOptions) (*Result, error)
	Thumbnail(ctx context.Context, data []byte, opts ThumbnailOptions) (*Result, error)
	Convert(ctx context.Context, data []byte, target Format, quality int) (*Result, error)
}

type VariantSpec struct {
	Name    string
	Width   int
	Height  int
	Fit     Fit
	Quality int
}

// DefaultVariants is the thumbnail set rendered for every processed image
var DefaultVariants = []VariantSpec{
	{Name: "thumbnail", Width: 150, Height: 150, Fit: FitCover, Quality: 80},
	{Name: "small", Width: 300, Height: 300, Fit: FitInside, Quality: 85},
	{Name: "medium", Width: 600, Height: 600, Fit: FitInside, Quality: 85},
	{Name: "large", Width: 1200, Height: 1200, Fit: FitInside, Quality: 90},
}

// VariantsForSizes returns DefaultVariants with the square box of each
// variant replaced by the matching entry of sizes. Missing or non-positive
// entries keep the default.
func VariantsForSizes(sizes []int) []VariantSpec {
	out := make([]VariantSpec, len(DefaultVariants))
	copy(out, DefaultVariants)

	for i := range out {
		if i < len(sizes) && sizes[i] > 0 {
			out[i].Width = sizes[i]
			out[i].Height = sizes[i]
		}
	}

	return out
}

// FormatFromMime maps a content type to a transcodable format
func FormatFromMime(mimeType string) (Format, bool) {
	mt, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), ";")

	switch mt {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return FormatJPEG, true
	case "image/png":
		return FormatPNG, true
	case "image/webp":
		return FormatWebP, true
	case "image/avif":
		return FormatAVIF, true
	}

	return "", false
}

func (f Format) MimeType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	case FormatAVIF:
		return "image/avif"
	}

	return "application/octet-stream"
}

func (f Format) Ext() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatPNG, FormatWebP, FormatAVIF:
		return "." + string(f)
	}

	return ""
}
