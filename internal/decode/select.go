package decode

import (
	"github.com/zsiec/vista/internal/media"
)

// Selection holds the chosen stream index per type; -1 means none.
type Selection struct {
	Video    int
	Audio    int
	Subtitle int
}

// SelectDefaults picks the largest video (by width*height), the highest
// bitrate audio and the first subtitle stream. Ties go to the stream seen
// first.
func SelectDefaults(info *media.DecoderInfo) Selection {
	sel := Selection{Video: -1, Audio: -1, Subtitle: -1}
	if info == nil {
		return sel
	}
	bestArea := -1
	var bestRate int64 = -1
	for _, s := range info.Streams {
		switch s.Type {
		case media.StreamVideo:
			if area := s.Width * s.Height; area > bestArea {
				bestArea = area
				sel.Video = s.Index
			}
		case media.StreamAudio:
			if s.Bitrate > bestRate {
				bestRate = s.Bitrate
				sel.Audio = s.Index
			}
		case media.StreamSubtitle:
			if sel.Subtitle < 0 {
				sel.Subtitle = s.Index
			}
		}
	}
	return sel
}

// keepOrDefault returns current when it names a stream of type t in info,
// otherwise fallback. This preserves a user's choice across a reopen.
func keepOrDefault(info *media.DecoderInfo, t media.StreamType, current, fallback int) int {
	if s, ok := info.Stream(current); ok && s.Type == t {
		return current
	}
	return fallback
}
