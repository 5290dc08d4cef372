// Copyright 2024-2026 Aiku AI

// Package media holds the scratch-file and transcoding helpers shared by
// both relay directions.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"
	"go.mau.fi/util/ffmpeg"
	"golang.org/x/sync/semaphore"
)

// Output shapes.
const (
	VideoNoteSize = 240
	VideoNoteMax  = 60 * time.Second
	StickerSize   = 512
)

var ErrTranscoderUnavailable = errors.New("ffmpeg is not available")

// ConvertFunc converts inputFile and returns the path of the new file.
// outputExt includes the leading dot.
type ConvertFunc func(ctx context.Context, inputFile, outputExt string, inputArgs, outputArgs []string) (string, error)

func ffmpegConvert(ctx context.Context, inputFile, outputExt string, inputArgs, outputArgs []string) (string, error) {
	return ffmpeg.ConvertPath(ctx, inputFile, outputExt, inputArgs, outputArgs, false)
}

// Transcoder runs conversions through ffmpeg with a bound on how many run
// at once.
type Transcoder struct {
	dir       string
	sem       *semaphore.Weighted
	convert   ConvertFunc
	available bool
	log       zerolog.Logger
}

// NewTranscoder creates the scratch directory if needed. A
// maxConcurrent below one is treated as one.
func NewTranscoder(scratchDir string, maxConcurrent int64, log zerolog.Logger) (*Transcoder, error) {
	if scratchDir == "" {
		scratchDir = filepath.Join(os.TempDir(), "watg-bridge")
	}
	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Transcoder{
		dir:       scratchDir,
		sem:       semaphore.NewWeighted(maxConcurrent),
		convert:   ffmpegConvert,
		available: ffmpeg.Supported(),
		log:       log.With().Str("component", "media").Logger(),
	}, nil
}

// SetConverter replaces ffmpeg. Used by tests.
func (t *Transcoder) SetConverter(fn ConvertFunc) {
	t.convert = fn
	t.available = fn != nil
}

// Available reports whether conversions can run at all.
func (t *Transcoder) Available() bool {
	return t.available
}

// Dir returns the scratch directory.
func (t *Transcoder) Dir() string {
	return t.dir
}

// WriteScratch stores data under a random name with the given extension.
// The returned cleanup func removes it and is safe to call more than once.
func (t *Transcoder) WriteScratch(data []byte, ext string) (string, func(), error) {
	path := filepath.Join(t.dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", func() {}, fmt.Errorf("failed to write scratch file: %w", err)
	}
	return path, func() { t.remove(path) }, nil
}

func (t *Transcoder) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.log.Warn().Err(err).Str("path", path).Msg("Failed to remove scratch file")
	}
}

// Convert runs one conversion of data, writing the input under a scratch
// name derived from inputMime. Both scratch files are removed before it
// returns, whatever the outcome.
func (t *Transcoder) Convert(ctx context.Context, data []byte, inputMime, outputExt string, inputArgs, outputArgs []string) ([]byte, error) {
	if !t.available {
		return nil, ErrTranscoderUnavailable
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to wait for transcode slot: %w", err)
	}
	defer t.sem.Release(1)

	ext := exmime.ExtensionFromMimetype(inputMime)
	if ext == "" || ext == outputExt {
		ext = ".bin"
	}
	input, cleanup, err := t.WriteScratch(data, ext)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	output, err := t.convert(ctx, input, outputExt, inputArgs, outputArgs)
	if output != "" {
		defer t.remove(output)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s to %s: %w", inputMime, outputExt, err)
	}
	out, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted file: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("failed to convert %s to %s: empty output", inputMime, outputExt)
	}
	return out, nil
}

// VideoNote crops a clip to the square round-video format.
func (t *Transcoder) VideoNote(ctx context.Context, data []byte, mime string) ([]byte, error) {
	filter := fmt.Sprintf("scale=%[1]d:%[1]d:force_original_aspect_ratio=increase,crop=%[1]d:%[1]d", VideoNoteSize)
	return t.Convert(ctx, data, mime, ".mp4", nil, []string{
		"-vf", filter,
		"-t", fmt.Sprint(int(VideoNoteMax.Seconds())),
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-movflags", "+faststart",
	})
}

// StickerToWebP fits an image into the sticker square on a transparent
// background.
func (t *Transcoder) StickerToWebP(ctx context.Context, data []byte, mime string, animated bool) ([]byte, error) {
	filter := fmt.Sprintf(
		"scale=%[1]d:%[1]d:force_original_aspect_ratio=decrease,pad=%[1]d:%[1]d:(ow-iw)/2:(oh-ih)/2:color=0x00000000",
		StickerSize,
	)
	args := []string{"-vf", filter, "-c:v", "libwebp", "-quality", "100", "-compression_level", "6"}
	if animated {
		args = append(args, "-loop", "0")
	} else {
		args = append(args, "-frames:v", "1")
	}
	return t.Convert(ctx, data, mime, ".webp", nil, args)
}

// StickerToAnimation turns an animated sticker into a looping clip.
func (t *Transcoder) StickerToAnimation(ctx context.Context, data []byte, mime string) ([]byte, error) {
	return t.Convert(ctx, data, mime, ".mp4", nil, []string{
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-an",
	})
}

// ToPNG renders the first frame of an image as PNG.
func (t *Transcoder) ToPNG(ctx context.Context, data []byte, mime string) ([]byte, error) {
	return t.Convert(ctx, data, mime, ".png", nil, []string{"-frames:v", "1"})
}

// Retry runs fn up to attempts times, each under its own timeout. It stops
// early when the parent context ends.
func Retry(ctx context.Context, attempts int, timeout time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}
