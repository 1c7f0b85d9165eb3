package media

import "fmt"

// StreamType classifies an elementary stream found while probing.
type StreamType int

const (
	StreamVideo StreamType = iota
	StreamAudio
	StreamSubtitle
)

func (t StreamType) String() string {
	switch t {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	case StreamSubtitle:
		return "subtitle"
	default:
		return fmt.Sprintf("StreamType(%d)", int(t))
	}
}

// StreamInfo describes one elementary stream. Index is the backend's stream
// index and is the value stored in the playback state's selections.
type StreamInfo struct {
	Type       StreamType
	Index      int
	Codec      string
	Format     string // pixel or sample format name as reported by the backend
	Bitrate    int64
	Channels   int
	SampleRate int
	Width      int
	Height     int
	FPS        float64
	Language   string // empty when the container carries no language tag
}

// String renders a one-line summary suitable for logs.
func (s StreamInfo) String() string {
	switch s.Type {
	case StreamVideo:
		return fmt.Sprintf("#%d video %s %dx%d@%.2f", s.Index, s.Codec, s.Width, s.Height, s.FPS)
	case StreamAudio:
		return fmt.Sprintf("#%d audio %s %dHz %dch %dbps", s.Index, s.Codec, s.SampleRate, s.Channels, s.Bitrate)
	default:
		if s.Language != "" {
			return fmt.Sprintf("#%d %s %s [%s]", s.Index, s.Type, s.Codec, s.Language)
		}
		return fmt.Sprintf("#%d %s %s", s.Index, s.Type, s.Codec)
	}
}

// DecoderInfo is the immutable inventory produced once after probing.
type DecoderInfo struct {
	Bitrate  int64
	Duration float64 // seconds, 0 when unknown (live)
	Streams  []StreamInfo
}

// Stream returns the stream with the given index.
func (d *DecoderInfo) Stream(index int) (StreamInfo, bool) {
	for _, s := range d.Streams {
		if s.Index == index {
			return s, true
		}
	}
	return StreamInfo{}, false
}

// ByType returns the streams of type t in index order.
func (d *DecoderInfo) ByType(t StreamType) []StreamInfo {
	var out []StreamInfo
	for _, s := range d.Streams {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}
