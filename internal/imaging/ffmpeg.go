package imaging

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

func (c *Codec) encodeWithFFmpeg(ctx context.Context, pngData []byte, f Format, quality int, alpha bool) ([]byte, error) {
	var args []string

	switch f {
	case FormatWebP:
		args = []string{
			"-c:v", "libwebp",
			"-quality", strconv.Itoa(quality),
			"-compression_level", "6",
		}
	case FormatAVIF:
		pixFmt := "yuv420p"
		if alpha {
			pixFmt = "yuva420p"
		}

		args = []string{
			"-c:v", "libaom-av1",
			"-still-picture", "1",
			"-crf", strconv.Itoa(avifCRF(quality)),
			"-b:v", "0",
			"-cpu-used", "6",
			"-pix_fmt", pixFmt,
		}
	default:
		return nil, ErrUnsupportedFormat
	}

	args = append(args, "-frames:v", "1")

	return c.runFFmpeg(ctx, pngData, ".png", f.Ext(), args...)
}

// decodeWithFFmpeg turns formats the standard decoders don't know into PNG
func (c *Codec) decodeWithFFmpeg(ctx context.Context, data []byte, f Format) ([]byte, error) {
	return c.runFFmpeg(ctx, data, f.Ext(), ".png", "-frames:v", "1", "-c:v", "png")
}

// avifCRF maps a 1-100 quality onto the 0-63 libaom scale, lower is better
func avifCRF(quality int) int {
	crf := int(math.Round(float64(100-quality) * 63 / 100))

	return max(0, min(63, crf))
}

// runFFmpeg writes in to a temporary file, runs ffmpeg over it and returns
// the output file. Both files live in a directory that is always removed.
func (c *Codec) runFFmpeg(ctx context.Context, in []byte, inExt, outExt string, args ...string) ([]byte, error) {
	dir, err := os.MkdirTemp(c.TempDir, "imaging-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory, %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "in"+inExt)
	outPath := filepath.Join(dir, "out"+outExt)

	if err := os.WriteFile(inPath, in, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write ffmpeg input, %w", err)
	}

	full := append([]string{"-hide_banner", "-loglevel", "error", "-y", "-i", inPath}, args...)
	full = append(full, outPath)

	cmd := exec.CommandContext(ctx, c.FFmpegPath, full...)
	cmd.WaitDelay = time.Second

	stderrBuf := &bytes.Buffer{}
	cmd.Stderr = stderrBuf

	zap.L().Debug("Running FFmpeg command", zap.String("cmd", cmd.String()))

	if err := cmd.Run(); err != nil {
		zap.L().Error("FFmpeg failed", zap.Error(err), zap.String("stderr", stderrBuf.String()))
		return nil, fmt.Errorf("ffmpeg failed: %w", err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ffmpeg output, %w", err)
	}

	return out, nil
}
