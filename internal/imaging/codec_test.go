package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int, alpha bool) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			a := uint8(255)
			if alpha && x < w/2 {
				a = 128
			}
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 90, A: a})
		}
	}

	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))

	return buf.Bytes()
}

func TestFormatFromMime(t *testing.T) {
	tests := map[string]Format{
		"image/jpeg":               FormatJPEG,
		"IMAGE/JPG":                FormatJPEG,
		"image/png":                FormatPNG,
		"image/webp; charset=none": FormatWebP,
		"image/avif":               FormatAVIF,
	}

	for in, want := range tests {
		got, ok := FormatFromMime(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"image/gif", "application/pdf", ""} {
		_, ok := FormatFromMime(in)
		assert.False(t, ok, in)
	}
}

func TestVariantsForSizes(t *testing.T) {
	v := VariantsForSizes([]int{100, 0})

	require.Len(t, v, 4)
	assert.Equal(t, 100, v[0].Width)
	assert.Equal(t, 100, v[0].Height)
	assert.Equal(t, 300, v[1].Width)
	assert.Equal(t, 1200, v[3].Width)
	assert.Equal(t, 150, DefaultVariants[0].Width, "defaults must not be modified")
}

func TestAvifCRF(t *testing.T) {
	assert.Equal(t, 0, avifCRF(100))
	assert.Equal(t, 63, avifCRF(0))
	assert.Equal(t, 9, avifCRF(85))
}

func TestMetadata(t *testing.T) {
	c := NewCodec("", t.TempDir())

	m, err := c.Metadata(context.Background(), encodePNG(t, gradient(320, 200, true)))
	require.NoError(t, err)

	assert.Equal(t, 320, m.Width)
	assert.Equal(t, 200, m.Height)
	assert.Equal(t, FormatPNG, m.Format)
	assert.True(t, m.HasAlpha)

	m, err = c.Metadata(context.Background(), encodeJPEG(t, gradient(64, 48, false)))
	require.NoError(t, err)

	assert.Equal(t, FormatJPEG, m.Format)
	assert.False(t, m.HasAlpha)
	assert.Equal(t, "ycbcr", m.ColorSpace)
}

func TestMetadataRejectsNonImages(t *testing.T) {
	c := NewCodec("", t.TempDir())

	_, err := c.Metadata(context.Background(), []byte("%PDF-1.7 not an image"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestThumbnailFits(t *testing.T) {
	c := NewCodec("", t.TempDir())
	src := encodeJPEG(t, gradient(800, 400, false))

	tests := []struct {
		name         string
		opts         ThumbnailOptions
		wantW, wantH int
	}{
		{"cover crops to the box", ThumbnailOptions{Width: 150, Height: 150, Fit: FitCover, Quality: 80}, 150, 150},
		{"inside keeps the aspect ratio", ThumbnailOptions{Width: 300, Height: 300, Fit: FitInside}, 300, 150},
		{"inside never upscales", ThumbnailOptions{Width: 1200, Height: 1200, Fit: FitInside}, 800, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Thumbnail(context.Background(), src, tt.opts)
			require.NoError(t, err)

			assert.Equal(t, tt.wantW, res.Width)
			assert.Equal(t, tt.wantH, res.Height)
			assert.Equal(t, FormatJPEG, res.Format)
			assert.Equal(t, "image/jpeg", res.MimeType())

			cfg, err := jpeg.DecodeConfig(bytes.NewReader(res.Data))
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, cfg.Width)
		})
	}
}

func TestThumbnailInvalidSize(t *testing.T) {
	c := NewCodec("", t.TempDir())

	_, err := c.Thumbnail(context.Background(), encodePNG(t, gradient(10, 10, false)), ThumbnailOptions{Width: 0, Height: 10})
	assert.Error(t, err)
}

func TestOptimizeDownscalesAndShrinks(t *testing.T) {
	c := NewCodec("", t.TempDir())
	src := encodeJPEG(t, gradient(1000, 500, false))

	res, err := c.Optimize(context.Background(), src, OptimizeOptions{MaxWidth: 400, MaxHeight: 400, Quality: 85})
	require.NoError(t, err)

	assert.Equal(t, 400, res.Width)
	assert.Equal(t, 200, res.Height)
	assert.Less(t, len(res.Data), len(src))
}

func TestConvertPNGToJPEG(t *testing.T) {
	c := NewCodec("", t.TempDir())

	res, err := c.Convert(context.Background(), encodePNG(t, gradient(40, 30, false)), FormatJPEG, 0)
	require.NoError(t, err)

	f, err := Detect(res.Data)
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, f)
}

func TestDecodeRejectsHugeImages(t *testing.T) {
	c := NewCodec("", t.TempDir())
	c.MaxPixels = 100

	_, err := c.Optimize(context.Background(), encodePNG(t, gradient(20, 20, false)), OptimizeOptions{})
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

func TestCanceledContext(t *testing.T) {
	c := NewCodec("", t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Optimize(ctx, encodePNG(t, gradient(20, 20, false)), OptimizeOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWebPRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}

	c := NewCodec("", t.TempDir())

	res, err := c.Convert(context.Background(), encodePNG(t, gradient(64, 64, false)), FormatWebP, 80)
	if err != nil {
		t.Skipf("ffmpeg build without libwebp: %v", err)
	}

	m, err := c.Metadata(context.Background(), res.Data)
	require.NoError(t, err)
	assert.Equal(t, FormatWebP, m.Format)
	assert.Equal(t, 64, m.Width)
}

func TestMissingFFmpeg(t *testing.T) {
	c := NewCodec("/nonexistent/ffmpeg", t.TempDir())

	_, err := c.Convert(context.Background(), encodePNG(t, gradient(8, 8, false)), FormatAVIF, 50)
	assert.Error(t, err)
}
