package metadata

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"legato/pkg/models"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"
)

// TagExtractor handles metadata extraction from audio files
type TagExtractor struct {
	logger *logrus.Logger
}

// NewTagExtractor creates the default tag-reading extractor
func NewTagExtractor(logger *logrus.Logger) *TagExtractor {
	if logger == nil {
		logger = logrus.New()
	}
	return &TagExtractor{logger: logger}
}

// audioProps are the technical properties decoded from the stream itself.
type audioProps struct {
	duration   float64
	sampleRate int
	bitDepth   int
	channels   int
	codec      string
}

// Extract extracts metadata from an audio file
func (e *TagExtractor) Extract(ctx context.Context, filePath string) (models.TrackMetadata, error) {
	if err := ctx.Err(); err != nil {
		return models.TrackMetadata{}, err
	}
	startTime := time.Now()

	file, err := os.Open(filePath)
	if err != nil {
		return models.TrackMetadata{}, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return models.TrackMetadata{}, fmt.Errorf("stat audio file: %w", err)
	}

	props, err := e.readProps(filePath)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"filePath": filePath,
			"error":    err.Error(),
		}).Debug("Failed to decode stream properties, duration left at 0")
	}

	var meta models.TrackMetadata
	meta.Duration = props.duration
	if props.codec != "" {
		meta.Codec = models.String(props.codec)
	}
	if props.sampleRate > 0 {
		meta.SampleRate = models.Int(props.sampleRate)
	}
	if props.bitDepth > 0 {
		meta.BitDepth = models.Int(props.bitDepth)
	}
	if props.channels > 0 {
		meta.Channels = models.Int(props.channels)
	}
	if props.duration > 0 {
		kbps := int(float64(stat.Size()) * 8 / props.duration / 1000)
		if kbps > 0 {
			meta.Bitrate = models.Int(kbps)
		}
	}

	if err := ctx.Err(); err != nil {
		return models.TrackMetadata{}, err
	}

	tags, err := tag.ReadFrom(file)
	if err != nil {
		// Untagged files still catalog with technical properties only.
		e.logger.WithFields(logrus.Fields{
			"filePath": filePath,
			"error":    err.Error(),
		}).Debug("No readable tags, using stream properties only")
		return meta, nil
	}

	setString(&meta.Title, tags.Title())
	setString(&meta.Artist, tags.Artist())
	setString(&meta.Album, tags.Album())
	setString(&meta.AlbumArtist, tags.AlbumArtist())
	setString(&meta.Composer, tags.Composer())
	setString(&meta.Genre, tags.Genre())
	setInt(&meta.Year, tags.Year())

	trackNum, trackTotal := tags.Track()
	setInt(&meta.TrackNumber, trackNum)
	setInt(&meta.TrackTotal, trackTotal)
	discNum, discTotal := tags.Disc()
	setInt(&meta.DiscNumber, discNum)
	setInt(&meta.DiscTotal, discTotal)

	raw := tags.Raw()
	setString(&meta.Label, rawString(raw, "TPUB", "TPB", "label", "organization", "publisher"))
	setString(&meta.ReleaseDate, releaseDate(rawString(raw, "TDRL", "TDRC", "TDA", "date", "releasedate")))

	if picture := tags.Picture(); picture != nil && len(picture.Data) > 0 {
		meta.Artwork = picture.Data
		meta.ArtworkMIMEType = picture.MIMEType
		if meta.ArtworkMIMEType == "" {
			meta.ArtworkMIMEType = ImageMIMEType(picture.Data)
		}
	}

	meta.Extended = extendedMetadata(tags, raw)

	e.logger.WithFields(logrus.Fields{
		"filePath":       filePath,
		"duration":       meta.Duration,
		"hasArtwork":     meta.Artwork != nil,
		"processingTime": time.Since(startTime),
	}).Debug("Successfully extracted metadata")

	return meta, nil
}

// extendedMetadata keeps the raw tag details that have no dedicated column.
func extendedMetadata(tags tag.Metadata, raw map[string]interface{}) map[string]any {
	ext := map[string]any{
		"tag_format": string(tags.Format()),
		"file_type":  string(tags.FileType()),
	}
	if c := strings.TrimSpace(tags.Comment()); c != "" {
		ext["comment"] = c
	}
	if strings.TrimSpace(tags.Lyrics()) != "" {
		ext["has_lyrics"] = true
	}
	if enc := rawString(raw, "TSSE", "TSS", "TENC", "encoder", "encoded_by", "©too"); enc != "" {
		ext["encoder"] = enc
	}
	for key, value := range raw {
		s, ok := value.(string)
		if !ok || s == "" {
			continue
		}
		if strings.Contains(strings.ToLower(key), "musicbrainz") {
			ext[strings.ToLower(key)] = s
		}
	}
	return ext
}

func rawString(raw map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		for k, v := range raw {
			if !strings.EqualFold(k, key) {
				continue
			}
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// releaseDate keeps only full dates; a bare year is already in Year.
func releaseDate(s string) string {
	if len(s) <= 4 {
		return ""
	}
	return s
}

func setString(dst **string, s string) {
	if s = strings.TrimSpace(s); s != "" {
		*dst = &s
	}
}

func setInt(dst **int, n int) {
	if n > 0 {
		*dst = &n
	}
}

// readProps decodes stream properties per format
func (e *TagExtractor) readProps(filePath string) (audioProps, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return e.propsMP3(filePath)
	case ".flac":
		return e.propsFLAC(filePath)
	case ".wav":
		return e.propsWAV(filePath)
	case ".m4a", ".alac", ".aac":
		return e.propsM4A(filePath)
	default:
		return audioProps{}, fmt.Errorf("unsupported format: %s", ext)
	}
}

// MP3 duration using frame decoding; fallback to average bitrate estimation only if frames fail entirely.
func (e *TagExtractor) propsMP3(path string) (audioProps, error) {
	props := audioProps{codec: "mp3"}
	f, err := os.Open(path)
	if err != nil {
		return props, err
	}
	defer f.Close()
	dec := mp3.NewDecoder(f)
	var total time.Duration
	var skipped int
	frames := 0
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if frames == 0 { // could not decode any frame
				props.duration, err = estimateFromFileSize(path, 192000)
				return props, err
			}
			break // partial decode; use what we have
		}
		total += fr.Duration()
		frames++
	}
	props.duration = total.Seconds()
	return props, nil
}

// FLAC duration via STREAMINFO metadata block
func (e *TagExtractor) propsFLAC(path string) (audioProps, error) {
	props := audioProps{codec: "flac"}
	stream, err := flac.ParseFile(path)
	if err != nil {
		return props, err
	}
	defer stream.Close()
	si := stream.Info
	props.sampleRate = int(si.SampleRate)
	props.bitDepth = int(si.BitsPerSample)
	props.channels = int(si.NChannels)
	if si.NSamples > 0 && si.SampleRate > 0 {
		props.duration = float64(si.NSamples) / float64(si.SampleRate)
		return props, nil
	}
	return props, fmt.Errorf("flac stream missing sample info")
}

// WAV duration using go-audio/wav to read header
func (e *TagExtractor) propsWAV(path string) (audioProps, error) {
	props := audioProps{codec: "pcm"}
	f, err := os.Open(path)
	if err != nil {
		return props, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return props, fmt.Errorf("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return props, fmt.Errorf("invalid wav header")
	}
	props.sampleRate = int(dec.SampleRate)
	props.bitDepth = int(dec.BitDepth)
	props.channels = int(dec.NumChans)

	if d, err := dec.Duration(); err == nil && d > 0 {
		props.duration = d.Seconds()
		return props, nil
	}

	// Approximate using file size when the data chunk cannot be located.
	st, err := f.Stat()
	if err != nil {
		return props, err
	}
	pcmBytes := st.Size() - 44
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	bytesPerSampleFrame := int64(dec.BitDepth/8) * int64(dec.NumChans)
	if bytesPerSampleFrame <= 0 {
		return props, fmt.Errorf("invalid sample frame size")
	}
	props.duration = float64(pcmBytes/bytesPerSampleFrame) / float64(dec.SampleRate)
	return props, nil
}

// maxMoovSize bounds the moov atom read into memory.
const maxMoovSize = 64 << 20

// M4A (AAC/ALAC in MP4): duration from 'mvhd', stream format from the
// first audio sample entry under trak/mdia/minf/stbl/stsd.
func (e *TagExtractor) propsM4A(path string) (audioProps, error) {
	props := audioProps{codec: "aac"}
	f, err := os.Open(path)
	if err != nil {
		return props, err
	}
	defer f.Close()

	moov, err := readMoov(f)
	if err != nil {
		return props, err
	}
	mvhd := findBox(moov, "mvhd")
	if mvhd == nil {
		return props, fmt.Errorf("mvhd atom not found")
	}
	if props.duration, err = mvhdDuration(mvhd); err != nil {
		return props, err
	}

	eachBox(moov, func(typ string, trak []byte) bool {
		if typ != "trak" {
			return true
		}
		stsd := findBox(trak, "mdia", "minf", "stbl", "stsd")
		return stsd == nil || !readSampleEntry(stsd, &props)
	})
	return props, nil
}

// readMoov skips top-level atoms until it finds moov and returns its body.
func readMoov(f io.ReadSeeker) ([]byte, error) {
	head := make([]byte, 16)
	for {
		if _, err := io.ReadFull(f, head[:8]); err != nil {
			return nil, fmt.Errorf("moov atom not found: %w", err)
		}
		size := uint64(binary.BigEndian.Uint32(head[0:4]))
		typ := string(head[4:8])
		hdr := uint64(8)
		if size == 1 {
			if _, err := io.ReadFull(f, head[8:16]); err != nil {
				return nil, err
			}
			size = binary.BigEndian.Uint64(head[8:16])
			hdr = 16
		}
		if size == 0 {
			// Atom runs to end of file.
			if typ != "moov" {
				return nil, fmt.Errorf("moov atom not found")
			}
			return io.ReadAll(io.LimitReader(f, maxMoovSize))
		}
		if size < hdr {
			return nil, fmt.Errorf("invalid atom size")
		}
		body := size - hdr
		if typ == "moov" {
			if body > maxMoovSize {
				return nil, fmt.Errorf("moov atom too large: %d bytes", body)
			}
			buf := make([]byte, body)
			if _, err := io.ReadFull(f, buf); err != nil {
				return nil, err
			}
			return buf, nil
		}
		if _, err := f.Seek(int64(body), io.SeekCurrent); err != nil {
			return nil, err
		}
	}
}

// eachBox calls fn with the type and body of every atom in data until fn
// returns false or an atom is malformed.
func eachBox(data []byte, fn func(typ string, body []byte) bool) {
	for len(data) >= 8 {
		size := uint64(binary.BigEndian.Uint32(data[0:4]))
		typ := string(data[4:8])
		hdr := uint64(8)
		switch size {
		case 0:
			size = uint64(len(data))
		case 1:
			if len(data) < 16 {
				return
			}
			size = binary.BigEndian.Uint64(data[8:16])
			hdr = 16
		}
		if size < hdr || size > uint64(len(data)) {
			return
		}
		if !fn(typ, data[hdr:size]) {
			return
		}
		data = data[size:]
	}
}

// findBox descends through the first atom matching each name in turn.
func findBox(data []byte, path ...string) []byte {
	for _, name := range path {
		var next []byte
		eachBox(data, func(typ string, body []byte) bool {
			if typ == name {
				next = body
				return false
			}
			return true
		})
		if next == nil {
			return nil
		}
		data = next
	}
	return data
}

func mvhdDuration(mvhd []byte) (float64, error) {
	if len(mvhd) < 20 {
		return 0, fmt.Errorf("short mvhd atom")
	}
	var timescale uint32
	var units uint64
	if mvhd[0] == 1 {
		if len(mvhd) < 32 {
			return 0, fmt.Errorf("short mvhd atom")
		}
		timescale = binary.BigEndian.Uint32(mvhd[20:24])
		units = binary.BigEndian.Uint64(mvhd[24:32])
	} else {
		timescale = binary.BigEndian.Uint32(mvhd[12:16])
		units = uint64(binary.BigEndian.Uint32(mvhd[16:20]))
	}
	if timescale == 0 {
		return 0, fmt.Errorf("invalid timescale")
	}
	return float64(units) / float64(timescale), nil
}

// Offsets into an AudioSampleEntry, counted from the start of its body.
const (
	entryChannels   = 16
	entrySampleSize = 18
	entrySampleRate = 24
	entryChildren   = 28
)

// readSampleEntry fills props from the first mp4a or alac entry of an stsd
// body and reports whether it found one.
func readSampleEntry(stsd []byte, props *audioProps) bool {
	if len(stsd) < 8 {
		return false
	}
	found := false
	eachBox(stsd[8:], func(typ string, entry []byte) bool {
		if typ != "mp4a" && typ != "alac" {
			return true
		}
		if len(entry) < entryChildren {
			return true
		}
		found = true
		props.channels = int(binary.BigEndian.Uint16(entry[entryChannels:]))
		// 16.16 fixed point; rates above 65535 Hz only fit the alac config.
		props.sampleRate = int(binary.BigEndian.Uint32(entry[entrySampleRate:]) >> 16)
		if typ == "alac" {
			props.codec = "alac"
			props.bitDepth = int(binary.BigEndian.Uint16(entry[entrySampleSize:]))
			if cfg := findBox(entry[entryChildren:], "alac"); len(cfg) >= 28 {
				props.bitDepth = int(cfg[9])
				props.channels = int(cfg[13])
				props.sampleRate = int(binary.BigEndian.Uint32(cfg[24:28]))
			}
		}
		return false
	})
	return found
}

// estimateFromFileSize provides last-resort estimation if parsing fails.
func estimateFromFileSize(path string, bitrate int) (float64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if bitrate <= 0 {
		return 0, fmt.Errorf("invalid bitrate")
	}
	return float64(st.Size()*8) / float64(bitrate), nil
}

// ImageMIMEType guesses the MIME type of embedded artwork bytes
func ImageMIMEType(data []byte) string {
	if len(data) < 4 {
		return "application/octet-stream"
	}

	if data[0] == 0xFF && data[1] == 0xD8 {
		return "image/jpeg"
	}
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	if data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 {
		return "image/gif"
	}

	return "application/octet-stream"
}
