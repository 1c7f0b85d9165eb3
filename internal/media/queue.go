package media

// Queues are the bounded channels between the decode producer and its
// consumers. A session owns them so they outlive any one producer, which
// lets a looping session reopen its pipeline without rewiring consumers.
type Queues struct {
	Metadata  chan *DecoderInfo
	Video     chan *VideoFrame
	Audio     chan *AudioSamples
	Subtitles chan *SubtitlePacket
}

// NewQueues allocates queues with the standard capacities.
func NewQueues() Queues {
	return Queues{
		Metadata:  make(chan *DecoderInfo, MetadataQueueSize),
		Video:     make(chan *VideoFrame, VideoQueueSize),
		Audio:     make(chan *AudioSamples, AudioQueueSize),
		Subtitles: make(chan *SubtitlePacket, SubtitleQueueSize),
	}
}
