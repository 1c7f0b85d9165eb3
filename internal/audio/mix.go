package audio

// mixInto writes k frames of planar src into interleaved dst, scaled by
// gain. Mono sources are copied to every output channel, multichannel
// sources feeding a mono device are averaged, and output channels beyond
// the source count stay silent.
func mixInto(dst []float32, outCh int, src [][]float32, k int, gain float32) {
	srcCh := len(src)
	if srcCh == 0 || outCh <= 0 {
		return
	}
	switch {
	case srcCh == 1:
		s := src[0][:k]
		for i, v := range s {
			v *= gain
			base := i * outCh
			for c := 0; c < outCh; c++ {
				dst[base+c] = v
			}
		}
	case outCh == 1:
		g := gain / float32(srcCh)
		for i := 0; i < k; i++ {
			var sum float32
			for c := 0; c < srcCh; c++ {
				sum += src[c][i]
			}
			dst[i] = sum * g
		}
	default:
		n := min(srcCh, outCh)
		for c := 0; c < n; c++ {
			s := src[c][:k]
			for i, v := range s {
				dst[i*outCh+c] = v * gain
			}
		}
	}
}
