package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	imgproc "github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

const defaultMaxPixels = 100_000_000

// Codec decodes and resizes images in process. JPEG and PNG are encoded in
// process too, WebP and AVIF are handed to ffmpeg.
type Codec struct {
	FFmpegPath string
	TempDir    string
	MaxPixels  int
}

func NewCodec(ffmpegPath, tempDir string) *Codec {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	return &Codec{
		FFmpegPath: ffmpegPath,
		TempDir:    tempDir,
		MaxPixels:  defaultMaxPixels,
	}
}

// Detect sniffs the format of data from its magic bytes
func Detect(data []byte) (Format, error) {
	f, ok := FormatFromMime(mimetype.Detect(data).String())
	if !ok {
		return "", ErrUnsupportedFormat
	}

	return f, nil
}

func (c *Codec) Metadata(ctx context.Context, data []byte) (*Metadata, error) {
	f, err := Detect(data)
	if err != nil {
		return nil, err
	}

	if f == FormatAVIF {
		data, err = c.decodeWithFFmpeg(ctx, data, f)
		if err != nil {
			return nil, err
		}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header, %w", err)
	}

	alpha, cs := describeModel(cfg.ColorModel)

	return &Metadata{
		Width:      cfg.Width,
		Height:     cfg.Height,
		Format:     f,
		HasAlpha:   alpha,
		ColorSpace: cs,
	}, nil
}

func (c *Codec) Optimize(ctx context.Context, data []byte, opts OptimizeOptions) (*Result, error) {
	img, f, err := c.decode(ctx, data)
	if err != nil {
		return nil, err
	}

	if opts.Format != "" {
		f = opts.Format
	}

	b := img.Bounds()
	maxW, maxH := opts.MaxWidth, opts.MaxHeight
	if maxW <= 0 {
		maxW = b.Dx()
	}
	if maxH <= 0 {
		maxH = b.Dy()
	}

	if b.Dx() > maxW || b.Dy() > maxH {
		img = imgproc.Fit(img, maxW, maxH, imgproc.Lanczos)
	}

	return c.encodeResult(ctx, img, f, opts.Quality)
}

func (c *Codec) Thumbnail(ctx context.Context, data []byte, opts ThumbnailOptions) (*Result, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size %dx%d", opts.Width, opts.Height)
	}

	img, f, err := c.decode(ctx, data)
	if err != nil {
		return nil, err
	}

	if opts.Format != "" {
		f = opts.Format
	}

	switch opts.Fit {
	case FitCover:
		img = imgproc.Fill(img, opts.Width, opts.Height, imgproc.Center, imgproc.Lanczos)
	default:
		img = imgproc.Fit(img, opts.Width, opts.Height, imgproc.Lanczos)
	}

	return c.encodeResult(ctx, img, f, opts.Quality)
}

func (c *Codec) Convert(ctx context.Context, data []byte, target Format, quality int) (*Result, error) {
	img, _, err := c.decode(ctx, data)
	if err != nil {
		return nil, err
	}

	return c.encodeResult(ctx, img, target, quality)
}

func (c *Codec) decode(ctx context.Context, data []byte) (image.Image, Format, error) {
	f, err := Detect(data)
	if err != nil {
		return nil, "", err
	}

	if f == FormatAVIF {
		data, err = c.decodeWithFFmpeg(ctx, data, f)
		if err != nil {
			return nil, "", err
		}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image header, %w", err)
	}

	if c.MaxPixels > 0 && cfg.Width*cfg.Height > c.MaxPixels {
		return nil, "", ErrImageTooLarge
	}

	img, err := imgproc.Decode(bytes.NewReader(data), imgproc.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image, %w", err)
	}

	return img, f, ctx.Err()
}

func (c *Codec) encodeResult(ctx context.Context, img image.Image, f Format, quality int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var (
		buf bytes.Buffer
		err error
	)

	switch f {
	case FormatJPEG:
		err = imgproc.Encode(&buf, img, imgproc.JPEG, imgproc.JPEGQuality(quality))
	case FormatPNG:
		err = imgproc.Encode(&buf, img, imgproc.PNG, imgproc.PNGCompressionLevel(png.BestCompression))
	case FormatWebP, FormatAVIF:
		err = imgproc.Encode(&buf, img, imgproc.PNG, imgproc.PNGCompressionLevel(png.BestSpeed))
		if err == nil {
			var out []byte
			out, err = c.encodeWithFFmpeg(ctx, buf.Bytes(), f, quality, !isOpaque(img))

			buf.Reset()
			buf.Write(out)
		}
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s, %w", f, err)
	}

	b := img.Bounds()

	return &Result{
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: f,
	}, nil
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}

	return false
}

func describeModel(m color.Model) (hasAlpha bool, colorSpace string) {
	if p, ok := m.(color.Palette); ok {
		for _, c := range p {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return true, "srgb"
			}
		}

		return false, "srgb"
	}

	switch m {
	case color.GrayModel, color.Gray16Model:
		return false, "gray"
	case color.CMYKModel:
		return false, "cmyk"
	case color.YCbCrModel:
		return false, "ycbcr"
	case color.NYCbCrAModel:
		return true, "ycbcr"
	case color.NRGBAModel, color.NRGBA64Model:
		return true, "srgb"
	}

	return false, "srgb"
}
