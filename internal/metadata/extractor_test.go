package metadata

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"

	"legato/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestWithTimeout(t *testing.T) {
	slow := ExtractorFunc(func(ctx context.Context, path string) (models.TrackMetadata, error) {
		select {
		case <-time.After(2 * time.Second):
			return models.TrackMetadata{Title: models.String("late")}, nil
		case <-ctx.Done():
			// Keep running past the deadline to prove the wrapper does not wait.
			time.Sleep(200 * time.Millisecond)
			return models.TrackMetadata{}, ctx.Err()
		}
	})

	t.Run("DeadlineReturnsEmptyRecord", func(t *testing.T) {
		start := time.Now()
		meta, err := WithTimeout(slow, 50*time.Millisecond).Extract(context.Background(), "/slow.mp3")
		if !errors.Is(err, ErrExtractionTimeout) {
			t.Fatalf("Expected ErrExtractionTimeout, got %v", err)
		}
		if meta.Title != nil {
			t.Error("Expected empty record on timeout")
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Expected prompt return, took %v", elapsed)
		}
	})

	t.Run("FastExtractorPassesThrough", func(t *testing.T) {
		fast := ExtractorFunc(func(ctx context.Context, path string) (models.TrackMetadata, error) {
			return models.TrackMetadata{Title: models.String("quick"), Duration: 12}, nil
		})
		meta, err := WithTimeout(fast, time.Second).Extract(context.Background(), "/fast.mp3")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if meta.Title == nil || *meta.Title != "quick" || meta.Duration != 12 {
			t.Errorf("Unexpected metadata: %+v", meta)
		}
	})

	t.Run("CancelledParentIsNotATimeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := WithTimeout(slow, time.Second).Extract(ctx, "/slow.mp3")
		if errors.Is(err, ErrExtractionTimeout) {
			t.Error("Expected cancellation, not a timeout")
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})

	t.Run("HungExtractionsAreCapped", func(t *testing.T) {
		release := make(chan struct{})
		var started atomic.Int32
		hung := ExtractorFunc(func(ctx context.Context, path string) (models.TrackMetadata, error) {
			started.Add(1)
			<-release
			return models.TrackMetadata{}, nil
		})
		ex := withTimeout(hung, 20*time.Millisecond, 2)

		var wg sync.WaitGroup
		errs := make([]error, 5)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = ex.Extract(context.Background(), "/hung.mp3")
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if !errors.Is(err, ErrExtractionTimeout) {
				t.Errorf("Call %d: expected ErrExtractionTimeout, got %v", i, err)
			}
		}
		if n := started.Load(); n != 2 {
			t.Errorf("Expected 2 wrapped calls in flight, got %d", n)
		}

		close(release)
		deadline := time.Now().Add(2 * time.Second)
		for {
			_, err := ex.Extract(context.Background(), "/hung.mp3")
			if err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("Expected slots to free once the wrapped calls return, last error %v", err)
			}
		}
	})

	t.Run("ZeroTimeoutIsNoop", func(t *testing.T) {
		if WithTimeout(slow, 0) == nil {
			t.Error("Expected the wrapped extractor back")
		}
	})
}

func TestTagExtractor(t *testing.T) {
	e := NewTagExtractor(quietLogger())
	dir := t.TempDir()

	t.Run("MissingFileFails", func(t *testing.T) {
		if _, err := e.Extract(context.Background(), filepath.Join(dir, "missing.mp3")); err == nil {
			t.Error("Expected error for missing file")
		}
	})

	t.Run("UntaggedFileYieldsNoTags", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.flac")
		if err := os.WriteFile(path, []byte("definitely not audio"), 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
		meta, err := e.Extract(context.Background(), path)
		if err != nil {
			t.Fatalf("Expected untagged file to extract, got %v", err)
		}
		if meta.Title != nil || meta.Artist != nil {
			t.Errorf("Expected no tag values, got %+v", meta)
		}
	})

	t.Run("WavDuration", func(t *testing.T) {
		path := filepath.Join(dir, "tone.wav")
		writeTestWav(t, path, 8000, 8000)

		meta, err := e.Extract(context.Background(), path)
		if err != nil {
			t.Fatalf("Failed to extract wav: %v", err)
		}
		if meta.Duration < 0.9 || meta.Duration > 1.1 {
			t.Errorf("Expected ~1s duration, got %f", meta.Duration)
		}
		if meta.SampleRate == nil || *meta.SampleRate != 8000 {
			t.Errorf("Expected sample rate 8000, got %v", meta.SampleRate)
		}
		if meta.Channels == nil || *meta.Channels != 1 {
			t.Errorf("Expected mono, got %v", meta.Channels)
		}
	})

	t.Run("M4AStreamFormat", func(t *testing.T) {
		tests := []struct {
			name       string
			entry      []byte
			codec      string
			sampleRate int
			bitDepth   int
			channels   int
		}{
			{"AAC", mp4Box("mp4a", sampleEntry(2, 16, 44100)), "aac", 44100, 0, 2},
			{"ALAC", mp4Box("alac", sampleEntry(2, 16, 0), mp4Box("alac", alacConfig(24, 2, 96000))), "alac", 96000, 24, 2},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				path := filepath.Join(dir, tt.name+".m4a")
				writeTestM4A(t, path, tt.entry)

				meta, err := e.Extract(context.Background(), path)
				if err != nil {
					t.Fatalf("Failed to extract m4a: %v", err)
				}
				if meta.Duration != 3 {
					t.Errorf("Expected 3s duration, got %f", meta.Duration)
				}
				if meta.Codec == nil || *meta.Codec != tt.codec {
					t.Errorf("Expected codec %s, got %v", tt.codec, meta.Codec)
				}
				if meta.SampleRate == nil || *meta.SampleRate != tt.sampleRate {
					t.Errorf("Expected sample rate %d, got %v", tt.sampleRate, meta.SampleRate)
				}
				if meta.Channels == nil || *meta.Channels != tt.channels {
					t.Errorf("Expected %d channels, got %v", tt.channels, meta.Channels)
				}
				if tt.bitDepth == 0 && meta.BitDepth != nil {
					t.Errorf("Expected no bit depth for lossy audio, got %d", *meta.BitDepth)
				}
				if tt.bitDepth > 0 && (meta.BitDepth == nil || *meta.BitDepth != tt.bitDepth) {
					t.Errorf("Expected bit depth %d, got %v", tt.bitDepth, meta.BitDepth)
				}
			})
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := e.Extract(ctx, filepath.Join(dir, "tone.wav")); !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})
}

func writeTestWav(t *testing.T, path string, sampleRate, samples int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create wav: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, samples),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("Failed to write samples: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Failed to finalize wav: %v", err)
	}
}

func TestImageMIMEType(t *testing.T) {
	tests := map[string][]byte{
		"image/jpeg":               {0xFF, 0xD8, 0xFF, 0xE0},
		"image/png":                {0x89, 0x50, 0x4E, 0x47},
		"image/gif":                {0x47, 0x49, 0x46, 0x38},
		"application/octet-stream": {0x00},
	}
	for want, data := range tests {
		if got := ImageMIMEType(data); got != want {
			t.Errorf("ImageMIMEType(%v) = %s, want %s", data, got, want)
		}
	}
}

func mp4Box(typ string, parts ...[]byte) []byte {
	body := bytes.Join(parts, nil)
	out := binary.BigEndian.AppendUint32(nil, uint32(8+len(body)))
	out = append(out, typ...)
	return append(out, body...)
}

func sampleEntry(channels, sampleSize uint16, sampleRate uint32) []byte {
	entry := make([]byte, 28)
	binary.BigEndian.PutUint16(entry[6:], 1)
	binary.BigEndian.PutUint16(entry[16:], channels)
	binary.BigEndian.PutUint16(entry[18:], sampleSize)
	binary.BigEndian.PutUint32(entry[24:], sampleRate<<16)
	return entry
}

func alacConfig(bitDepth, channels byte, sampleRate uint32) []byte {
	cfg := make([]byte, 28)
	binary.BigEndian.PutUint32(cfg[4:], 4096)
	cfg[9] = bitDepth
	cfg[13] = channels
	binary.BigEndian.PutUint32(cfg[24:], sampleRate)
	return cfg
}

// writeTestM4A writes an ftyp, an mdat and a moov with a track lacking
// sample tables ahead of the audio track.
func writeTestM4A(t *testing.T, path string, entry []byte) {
	t.Helper()
	u32 := func(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
	mvhd := mp4Box("mvhd", u32(0), u32(0), u32(0), u32(1000), u32(3000), make([]byte, 80))
	stsd := mp4Box("stsd", u32(0), u32(1), entry)
	chapters := mp4Box("trak", mp4Box("tkhd", make([]byte, 84)))
	audio := mp4Box("trak", mp4Box("mdia", mp4Box("minf", mp4Box("stbl", stsd))))

	data := bytes.Join([][]byte{
		mp4Box("ftyp", []byte("M4A "), u32(0), []byte("M4A isom")),
		mp4Box("mdat", make([]byte, 512)),
		mp4Box("moov", mvhd, chapters, audio),
	}, nil)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write m4a: %v", err)
	}
}
