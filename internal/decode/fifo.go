package decode

import "github.com/zsiec/vista/internal/media"

// fifo accumulates planar audio and cuts it into fixed-size chunks. The
// chunk PTS is derived from the PTS of the first buffered sample.
type fifo struct {
	buf    [][]float32
	pts    float64
	rate   int
	stream int
}

func (f *fifo) len() int {
	if len(f.buf) == 0 {
		return 0
	}
	return len(f.buf[0])
}

func (f *fifo) channels() int { return len(f.buf) }

func (f *fifo) reset() {
	for i := range f.buf {
		f.buf[i] = f.buf[i][:0]
	}
}

// write appends samples. A change of channel count, rate or stream drops
// what was buffered.
func (f *fifo) write(samples [][]float32, pts float64, rate, stream int) {
	if len(samples) == 0 || len(samples[0]) == 0 {
		return
	}
	if len(samples) != len(f.buf) || rate != f.rate || stream != f.stream {
		f.buf = make([][]float32, len(samples))
		f.rate = rate
		f.stream = stream
	}
	if f.len() == 0 {
		f.pts = pts
	}
	for ch := range samples {
		f.buf[ch] = append(f.buf[ch], samples[ch]...)
	}
}

// next removes up to n samples per channel as a new chunk. It returns nil
// when the fifo is empty.
func (f *fifo) next(n int, epoch uint64) *media.AudioSamples {
	avail := f.len()
	if avail == 0 {
		return nil
	}
	if n > avail {
		n = avail
	}
	data := make([][]float32, len(f.buf))
	for ch := range f.buf {
		data[ch] = make([]float32, n)
		copy(data[ch], f.buf[ch][:n])
		rest := copy(f.buf[ch], f.buf[ch][n:])
		f.buf[ch] = f.buf[ch][:rest]
	}
	chunk := &media.AudioSamples{
		Data:        data,
		StreamIndex: f.stream,
		PTS:         f.pts,
		Duration:    float64(n) / float64(f.rate),
		SampleCount: n,
		SampleRate:  f.rate,
		Epoch:       epoch,
	}
	f.pts += chunk.Duration
	return chunk
}
