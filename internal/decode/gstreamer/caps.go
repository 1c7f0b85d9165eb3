package gstreamer

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/zsiec/vista/internal/decode"
)

func audioCaps(af decode.AudioFormat) string {
	return fmt.Sprintf("audio/x-raw,format=F32LE,layout=interleaved,rate=%d,channels=%d", af.SampleRate, af.Channels)
}

func intField(st *gst.Structure, name string) int {
	val, err := st.GetValue(name)
	if err != nil {
		return 0
	}
	if v, ok := val.(int); ok {
		return v
	}
	return 0
}

func stringField(st *gst.Structure, name string) string {
	val, err := st.GetValue(name)
	if err != nil {
		return ""
	}
	if v, ok := val.(string); ok {
		return v
	}
	return ""
}

func fieldString(st *gst.Structure, name string) string {
	val, err := st.GetValue(name)
	if err != nil || val == nil {
		return ""
	}
	return fmt.Sprintf("%v", val)
}

// parseFPS converts a framerate such as "30000/1001" or "25" to frames per
// second.
func parseFPS(framerate string) float64 {
	var num, den int
	if _, err := fmt.Sscanf(framerate, "%d/%d", &num, &den); err == nil {
		if den > 0 {
			return float64(num) / float64(den)
		}
		return 0
	}
	var fps int
	if _, err := fmt.Sscanf(framerate, "%d", &fps); err == nil {
		return float64(fps)
	}
	return 0
}

// clockSeconds converts a buffer timestamp to seconds. GST_CLOCK_TIME_NONE
// reads as a negative duration and maps to zero.
func clockSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// deinterleave splits interleaved F32LE bytes into planar channels.
func deinterleave(data []byte, channels int) ([][]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: audio buffer without channel count", decode.ErrUnsupportedFormat)
	}
	frameBytes := 4 * channels
	n := len(data) / frameBytes
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, n)
	}
	for i := 0; i < n; i++ {
		base := i * frameBytes
		for ch := 0; ch < channels; ch++ {
			out[ch][i] = math.Float32frombits(binary.LittleEndian.Uint32(data[base+ch*4:]))
		}
	}
	return out, nil
}
