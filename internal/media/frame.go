// Package media defines the frame and stream-inventory types that flow from
// the decode producer to the presentation layer and the audio engine.
package media

// Queue capacities shared by the decode producer (sender) and its consumers.
// Video is small so a slow presenter throttles decoding; audio is large
// enough to absorb realtime callback jitter without stalling decode.
const (
	VideoQueueSize    = 10
	AudioQueueSize    = 1000
	SubtitleQueueSize = 10
	MetadataQueueSize = 1
)

// AudioChunkSize is the number of samples per channel in every AudioSamples
// emitted by the producer, except a final short chunk at end of stream.
const AudioChunkSize = 512

// VideoFrame is one decoded picture converted to packed RGBA. It is owned by
// the video queue until the presenter receives it and is never mutated.
type VideoFrame struct {
	Pixels      []byte // RGBA, row stride 4*Width
	Width       int
	Height      int
	StreamIndex int
	PTS         float64 // seconds
	Duration    float64 // seconds
	Epoch       uint64
}

// AudioSamples is a chunk of planar float32 audio at the negotiated output
// format. Data holds one slice per channel, each SampleCount long.
type AudioSamples struct {
	Data        [][]float32
	StreamIndex int
	PTS         float64
	Duration    float64
	SampleCount int
	SampleRate  int
	Epoch       uint64
}

// Channels returns the number of channel planes in the chunk.
func (a *AudioSamples) Channels() int {
	return len(a.Data)
}

// SubtitleKind distinguishes demuxed subtitle streams from captions carried
// inside video SEI messages.
type SubtitleKind int

const (
	SubtitleStream SubtitleKind = iota
	SubtitleCaption
)

func (k SubtitleKind) String() string {
	switch k {
	case SubtitleStream:
		return "stream"
	case SubtitleCaption:
		return "caption"
	default:
		return "unknown"
	}
}

// SubtitlePacket is forwarded opaquely; parsing and styling belong to the
// host. For captions Data is UTF-8 text and Channel is the CEA channel
// (1-4 for 608, 7-12 for 708 services).
type SubtitlePacket struct {
	Data        []byte
	StreamIndex int
	PTS         float64
	Duration    float64
	Kind        SubtitleKind
	Channel     int
	Epoch       uint64
}
