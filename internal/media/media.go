// Package media shells out to ffmpeg to convert between the formats the
// homeserver serves and the ones legacy clients expect. Conversions are
// stateless: bytes in, bytes out, temp files cleaned up on every path.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// AudioToMP3 converts any ffmpeg-readable audio to mp3.
func AudioToMP3(ctx context.Context, data []byte) ([]byte, error) {
	return convert(ctx, data, ".mp3", "-f", "mp3")
}

// VoiceNoteToOgg converts audio to the ogg/opus profile voice notes use.
func VoiceNoteToOgg(ctx context.Context, data []byte) ([]byte, error) {
	return convert(ctx, data, ".ogg",
		"-c:a", "libopus", "-b:a", "32k", "-ac", "1", "-f", "ogg")
}

// VideoToQuickTime converts video to an mov container with h264/aac.
func VideoToQuickTime(ctx context.Context, data []byte) ([]byte, error) {
	return convert(ctx, data, ".mov",
		"-c:v", "libx264", "-c:a", "aac", "-f", "mov")
}

// VideoThumbnail extracts the first frame of a video as a jpeg.
func VideoThumbnail(ctx context.Context, data []byte) ([]byte, error) {
	return convert(ctx, data, ".jpg",
		"-vframes", "1", "-f", "image2")
}

// Sniff reports the mime type and a matching file extension for a blob.
func Sniff(data []byte) (mimeType, extension string) {
	kind := mimetype.Detect(data)
	return kind.String(), kind.Extension()
}

// convert round-trips data through ffmpeg. ffmpeg cannot seek pipes for
// every container, so both ends go through temp files.
func convert(ctx context.Context, data []byte, outExt string, outArgs ...string) ([]byte, error) {
	dir := os.TempDir()
	inPath := filepath.Join(dir, uuid.NewString()+mimetype.Detect(data).Extension())
	outPath := filepath.Join(dir, uuid.NewString()+outExt)
	defer func() {
		_ = os.Remove(inPath)
		_ = os.Remove(outPath)
	}()

	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write temp input: %w", err)
	}

	args := append([]string{"-y", "-i", inPath}, outArgs...)
	args = append(args, outPath)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.Bytes()))
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read temp output: %w", err)
	}
	return out, nil
}

// lastLine trims ffmpeg's banner noise down to the line that usually
// carries the actual error.
func lastLine(stderr []byte) string {
	lines := bytes.Split(bytes.TrimSpace(stderr), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(bytes.TrimSpace(lines[len(lines)-1]))
}
