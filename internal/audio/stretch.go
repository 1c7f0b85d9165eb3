package audio

import "math"

const (
	stretchWindowMs = 20
	stretchSearchMs = 6
	// Candidate offsets are scored every searchStep samples, then refined.
	searchStep = 2
)

// Stretcher changes tempo without changing pitch using WSOLA (waveform
// similarity overlap-add). Each step copies one Hann-windowed grain of
// input to the output at a fixed synthesis hop of half a window, while the
// analysis position advances by hop*ratio. The grain start is shifted
// within a small search range to the offset most similar to the natural
// continuation of the previous grain, which keeps the waveform phase
// coherent across grains.
//
// All buffers are allocated up front; Write, Process and ReadInterleaved do
// not allocate.
type Stretcher struct {
	channels int
	window   int
	hop      int
	search   int
	win      []float32

	in    [][]float32
	inLen int
	pos   float64 // analysis position of the next grain
	prev  int     // start of the previous grain
	first bool

	acc    [][]float32
	out    [][]float32
	outLen int
	planes [][]float32
}

// NewStretcher sizes a stretcher for sampleRate, producing up to maxBlock
// output frames per Process call at ratios up to maxRatio.
func NewStretcher(channels, sampleRate, maxBlock int, maxRatio float64) *Stretcher {
	if channels < 1 {
		channels = 1
	}
	window := sampleRate * stretchWindowMs / 1000
	window -= window % 2
	if window < 64 {
		window = 64
	}
	hop := window / 2
	search := sampleRate * stretchSearchMs / 1000
	if search < 8 {
		search = 8
	}

	steps := (maxBlock+hop-1)/hop + 1
	inCap := int(math.Ceil(float64(steps)*float64(hop)*maxRatio)) + 2*window + 2*search + hop
	outCap := maxBlock + 2*hop

	s := &Stretcher{
		channels: channels,
		window:   window,
		hop:      hop,
		search:   search,
		win:      hann(window),
		in:       make([][]float32, channels),
		acc:      make([][]float32, channels),
		out:      make([][]float32, channels),
		planes:   make([][]float32, channels),
	}
	for ch := 0; ch < channels; ch++ {
		s.in[ch] = make([]float32, inCap)
		s.acc[ch] = make([]float32, window)
		s.out[ch] = make([]float32, outCap)
	}
	s.Reset()
	return s
}

// hann returns a periodic Hann window; at 50% overlap the windows sum to 1.
func hann(n int) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = float32(0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}

// Channels returns the active channel count.
func (s *Stretcher) Channels() int { return s.channels }

// SetChannels changes the active channel count, up to the count the
// stretcher was built for, and resets it.
func (s *Stretcher) SetChannels(n int) {
	s.channels = max(1, min(n, len(s.in)))
	s.Reset()
}

// Reset drops all buffered input and output.
func (s *Stretcher) Reset() {
	s.inLen = 0
	s.outLen = 0
	s.pos = 0
	s.prev = -s.hop
	s.first = true
	for ch := range s.acc {
		clear(s.acc[ch])
	}
}

// Available is the number of output frames ready to read.
func (s *Stretcher) Available() int { return s.outLen }

// Buffered is the number of written input frames not yet passed by the
// analysis position.
func (s *Stretcher) Buffered() int {
	if b := s.inLen - int(s.pos); b > 0 {
		return b
	}
	return 0
}

// Want returns how many more input frames are needed before Process can
// produce n output frames at ratio.
func (s *Stretcher) Want(ratio float64, n int) int {
	need := n - s.outLen
	if need <= 0 {
		return 0
	}
	steps := (need + s.hop - 1) / s.hop
	last := s.pos + float64(steps-1)*float64(s.hop)*ratio
	end := int(last) + s.search + s.window + s.hop
	if first := s.prev + s.hop + s.window; first > end {
		end = first
	}
	want := end - s.inLen
	if room := len(s.in[0]) - s.inLen; want > room {
		want = room
	}
	if want < 0 {
		return 0
	}
	return want
}

// Write appends k frames of planar input and returns how many fit.
func (s *Stretcher) Write(src [][]float32, k int) int {
	if room := len(s.in[0]) - s.inLen; k > room {
		k = room
	}
	for ch := 0; ch < s.channels; ch++ {
		if ch < len(src) {
			copy(s.in[ch][s.inLen:s.inLen+k], src[ch][:k])
		} else {
			clear(s.in[ch][s.inLen : s.inLen+k])
		}
	}
	s.inLen += k
	return k
}

// Process emits as many grains as the buffered input allows.
func (s *Stretcher) Process(ratio float64) {
	for s.outLen+s.hop <= len(s.out[0]) {
		t := int(s.pos)
		if t+s.search+s.window > s.inLen || s.prev+s.hop+s.window > s.inLen {
			break
		}
		g := t
		if !s.first {
			g = s.bestOffset(t)
		}

		for ch := 0; ch < s.channels; ch++ {
			acc := s.acc[ch]
			grain := s.in[ch][g : g+s.window]
			for i, v := range grain {
				acc[i] += s.win[i] * v
			}
			copy(s.out[ch][s.outLen:], acc[:s.hop])
			copy(acc, acc[s.hop:])
			clear(acc[s.window-s.hop:])
		}
		s.outLen += s.hop
		s.prev = g
		s.first = false
		s.pos += float64(s.hop) * ratio
	}
	s.compact()
}

// bestOffset returns the grain start within t±search whose first half best
// matches the natural continuation of the previous grain.
func (s *Stretcher) bestOffset(t int) int {
	ref := s.prev + s.hop
	overlap := s.window / 2
	lo := max(t-s.search, 0)
	hi := t + s.search

	best, bestScore := t, math.Inf(-1)
	score := func(g int) float64 {
		var dot, energy float64
		for i := 0; i < overlap; i += searchStep {
			var a, b float32
			for ch := 0; ch < s.channels; ch++ {
				a += s.in[ch][g+i]
				b += s.in[ch][ref+i]
			}
			dot += float64(a) * float64(b)
			energy += float64(a) * float64(a)
		}
		return dot / math.Sqrt(energy+1e-9)
	}
	for g := lo; g <= hi; g += searchStep {
		if sc := score(g); sc > bestScore {
			best, bestScore = g, sc
		}
	}
	for _, g := range [2]int{best - 1, best + 1} {
		if g < lo || g > hi {
			continue
		}
		if sc := score(g); sc > bestScore {
			best, bestScore = g, sc
		}
	}
	return best
}

// compact discards input no future grain can reach.
func (s *Stretcher) compact() {
	drop := int(s.pos) - s.search
	if p := s.prev + s.hop; p < drop {
		drop = p
	}
	if drop > s.inLen {
		drop = s.inLen
	}
	if drop <= 0 {
		return
	}
	for ch := 0; ch < s.channels; ch++ {
		copy(s.in[ch], s.in[ch][drop:s.inLen])
	}
	s.inLen -= drop
	s.pos -= float64(drop)
	s.prev -= drop
}

// ReadInterleaved moves up to n output frames into dst, mapped onto
// outCh device channels and scaled by gain. It returns the frame count.
func (s *Stretcher) ReadInterleaved(dst []float32, outCh, n int, gain float32) int {
	k := min(n, s.outLen)
	if k == 0 {
		return 0
	}
	for ch := 0; ch < s.channels; ch++ {
		s.planes[ch] = s.out[ch][:k]
	}
	mixInto(dst, outCh, s.planes[:s.channels], k, gain)
	for ch := 0; ch < s.channels; ch++ {
		copy(s.out[ch], s.out[ch][k:s.outLen])
	}
	s.outLen -= k
	return k
}
