package audio

import (
	"math"
	"testing"
	"time"

	"github.com/zsiec/vista/internal/media"
	"github.com/zsiec/vista/internal/playback"
)

const testRate = 48000

func testConfig() Config {
	return Config{PollInterval: time.Microsecond, UnderrunWait: time.Microsecond}
}

func constChunk(channels int, v float32, pts float64, epoch uint64) *media.AudioSamples {
	data := make([][]float32, channels)
	for ch := range data {
		data[ch] = make([]float32, media.AudioChunkSize)
		for i := range data[ch] {
			data[ch][i] = v
		}
	}
	return &media.AudioSamples{
		Data:        data,
		PTS:         pts,
		Duration:    float64(media.AudioChunkSize) / testRate,
		SampleCount: media.AudioChunkSize,
		SampleRate:  testRate,
		Epoch:       epoch,
	}
}

func sineChunk(start int, pts float64) *media.AudioSamples {
	plane := make([]float32, media.AudioChunkSize)
	for i := range plane {
		plane[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(start+i)/testRate))
	}
	return &media.AudioSamples{
		Data:        [][]float32{plane, plane},
		PTS:         pts,
		SampleCount: media.AudioChunkSize,
		SampleRate:  testRate,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *playback.State, chan *media.AudioSamples) {
	t.Helper()
	state := playback.New()
	q := make(chan *media.AudioSamples, media.AudioQueueSize)
	return NewEngine(state, q, cfg), state, q
}

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestParseDriftMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    DriftMode
		wantErr bool
	}{
		{"", DriftFixed, false},
		{"fixed", DriftFixed, false},
		{"Nudge", DriftNudge, false},
		{"auto", DriftFixed, true},
	}
	for _, tt := range tests {
		got, err := ParseDriftMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDriftMode(%q): err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDriftMode(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestProcessSilentUnlessPlaying(t *testing.T) {
	t.Parallel()

	for _, st := range []playback.TransportState{playback.Stopped, playback.Paused, playback.Seeking} {
		e, state, q := newTestEngine(t, testConfig())
		state.SetState(st)
		q <- constChunk(2, 0.5, 0, 0)

		out := make([]float32, 1024)
		for i := range out {
			out[i] = 1
		}
		e.Process(out, 2)
		for i, v := range out {
			if v != 0 {
				t.Fatalf("%v: out[%d] = %v, want 0", st, i, v)
			}
		}
		if pts := state.AudioPTS(); pts != 0 {
			t.Errorf("%v: audio pts advanced to %v", st, pts)
		}
	}
}

func TestProcessWritesExactLength(t *testing.T) {
	t.Parallel()

	e, state, q := newTestEngine(t, testConfig())
	state.SetState(playback.Playing)
	for i := 0; i < 4; i++ {
		q <- constChunk(2, 0.5, float64(i*media.AudioChunkSize)/testRate, 0)
	}

	// An odd length leaves a trailing partial frame that must stay zero.
	out := make([]float32, 2*1000+1)
	for i := range out {
		out[i] = 9
	}
	e.Process(out, 2)
	for i := 0; i < 2000; i++ {
		if out[i] != 0.5 {
			t.Fatalf("out[%d]: got %v, want 0.5", i, out[i])
		}
	}
	if out[2000] != 0 {
		t.Errorf("trailing sample: got %v, want 0", out[2000])
	}
	if pts := state.AudioPTS(); !approx(pts, 1000.0/testRate, 1e-6) {
		t.Errorf("audio pts: got %v, want %v", pts, 1000.0/testRate)
	}
	if s := e.Stats(); s.Underruns != 0 || s.RenderedFrames != 1000 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestProcessLargeCallbackInBlocks(t *testing.T) {
	t.Parallel()

	e, state, q := newTestEngine(t, testConfig())
	state.SetState(playback.Playing)
	for i := 0; i < 8; i++ {
		q <- constChunk(2, 0.25, float64(i*media.AudioChunkSize)/testRate, 0)
	}
	out := make([]float32, 2*3000)
	e.Process(out, 2)
	for i, v := range out {
		if v != 0.25 {
			t.Fatalf("out[%d]: got %v, want 0.25", i, v)
		}
	}
	if got := e.Stats().RenderedFrames; got != 3000 {
		t.Errorf("rendered: got %d, want 3000", got)
	}
}

func TestProcessVolume(t *testing.T) {
	t.Parallel()

	e, state, q := newTestEngine(t, testConfig())
	state.SetState(playback.Playing)
	state.SetVolume(0.5)
	q <- constChunk(2, 0.5, 0, 0)

	out := make([]float32, 2*256)
	e.Process(out, 2)
	want := 0.5 * float32(state.Volume())
	for i, v := range out {
		if v != want {
			t.Fatalf("out[%d]: got %v, want %v", i, v, want)
		}
	}
}

func TestProcessMonoSourceOnStereoDevice(t *testing.T) {
	t.Parallel()

	e, state, q := newTestEngine(t, testConfig())
	state.SetState(playback.Playing)
	q <- constChunk(1, 0.3, 0, 0)

	out := make([]float32, 2*128)
	e.Process(out, 2)
	for i := 0; i < len(out); i += 2 {
		if out[i] != 0.3 || out[i+1] != 0.3 {
			t.Fatalf("frame %d: got %v/%v, want 0.3 on both", i/2, out[i], out[i+1])
		}
	}
}

func TestProcessMutedDrainsInput(t *testing.T) {
	t.Parallel()

	e, state, q := newTestEngine(t, testConfig())
	state.SetState(playback.Playing)
	state.SetMuted(true)
	q <- constChunk(2, 0.5, 0, 0)
	q <- constChunk(2, 0.5, float64(media.AudioChunkSize)/testRate, 0)

	out := make([]float32, 2*media.AudioChunkSize)
	e.Process(out, 2)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d]: got %v, want silence", i, v)
		}
	}
	if len(q) != 1 {
		t.Errorf("queue depth: got %d, want 1", len(q))
	}
	if pts := state.AudioPTS(); !approx(pts, float64(media.AudioChunkSize)/testRate, 1e-6) {
		t.Errorf("audio pts: got %v", pts)
	}
}

func TestProcessUnderrun(t *testing.T) {
	t.Parallel()

	e, state, q := newTestEngine(t, testConfig())
	state.SetState(playback.Playing)
	q <- constChunk(2, 0.5, 0, 0)

	out := make([]float32, 2*1024)
	e.Process(out, 2)
	for i := 0; i < 2*media.AudioChunkSize; i++ {
		if out[i] != 0.5 {
			t.Fatalf("out[%d]: got %v, want 0.5", i, out[i])
		}
	}
	for i := 2 * media.AudioChunkSize; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("out[%d]: got %v, want silence after underrun", i, out[i])
		}
	}
	s := e.Stats()
	if s.Underruns != 1 {
		t.Errorf("underruns: got %d, want 1", s.Underruns)
	}
	if pts := state.AudioPTS(); !approx(pts, float64(media.AudioChunkSize)/testRate, 1e-6) {
		t.Errorf("audio pts: got %v, want only rendered frames counted", pts)
	}
}

func TestProcessDropsStaleEpoch(t *testing.T) {
	t.Parallel()

	e, state, q := newTestEngine(t, testConfig())
	state.SetState(playback.Playing)
	q <- constChunk(2, 0.9, 0, 0)
	q <- constChunk(2, 0.9, 0, 0)
	state.RequestSeek(10)

	out := make([]float32, 2*256)
	e.Process(out, 2)
	if len(q) != 0 {
		t.Fatalf("queue depth during seek: got %d, want 0", len(q))
	}
	if got := e.Stats().DroppedFrames; got != 2*media.AudioChunkSize {
		t.Errorf("dropped: got %d, want %d", got, 2*media.AudioChunkSize)
	}

	_, epoch, _ := state.TakeSeek()
	state.FinishSeek(10)
	q <- constChunk(2, 0.1, 10, epoch)
	e.Process(out, 2)
	for i, v := range out {
		if v != 0.1 {
			t.Fatalf("out[%d]: got %v, want post-seek audio", i, v)
		}
	}
}

func TestProcessResyncsClockForward(t *testing.T) {
	t.Parallel()

	e, state, q := newTestEngine(t, testConfig())
	state.SetState(playback.Playing)
	q <- constChunk(2, 0.5, 5, 0)

	out := make([]float32, 2*480)
	e.Process(out, 2)
	if pts := state.AudioPTS(); !approx(pts, 5.01, 1e-6) {
		t.Errorf("audio pts: got %v, want 5.01", pts)
	}
}

func TestProcessSpeedKeepsLengthAndClock(t *testing.T) {
	t.Parallel()

	for _, speed := range []float64{0.5, 2} {
		e, state, q := newTestEngine(t, testConfig())
		state.SetState(playback.Playing)
		state.SetSpeed(speed)
		for i := 0; i < 200; i++ {
			q <- sineChunk(i*media.AudioChunkSize, float64(i*media.AudioChunkSize)/testRate)
		}

		out := make([]float32, 2*480)
		last := 0.0
		for cb := 0; cb < 20; cb++ {
			e.Process(out, 2)
			for i, v := range out {
				if math.IsNaN(float64(v)) || math.Abs(float64(v)) > 1 {
					t.Fatalf("speed %v cb %d: out[%d] = %v", speed, cb, i, v)
				}
			}
			pts := state.AudioPTS()
			if pts < last {
				t.Fatalf("speed %v: audio pts went back from %v to %v", speed, last, pts)
			}
			last = pts
		}
		if u := e.Stats().Underruns; u != 0 {
			t.Errorf("speed %v: underruns %d", speed, u)
		}
		want := 20 * 480 * speed / testRate
		if !approx(last, want, 1e-6) {
			t.Errorf("speed %v: audio pts got %v, want %v", speed, last, want)
		}
	}
}

func TestNudgeIsBounded(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Drift = DriftNudge
	e, state, _ := newTestEngine(t, cfg)

	tests := []struct {
		head float64
		n    int
		want float64
	}{
		{0.2, 512, -maxNudge},
		{0.2, 2048, -128.0 / 2048},
		{-0.2, 2048, 128.0 / 2048},
		{0.01, 512, 0},
	}
	for _, tt := range tests {
		state.SetAudioPTS(0)
		e.hasPTS = true
		e.endPTS = tt.head
		if got := e.nudge(tt.n); !approx(got, tt.want, 1e-12) {
			t.Errorf("nudge(head %v, n %d): got %v, want %v", tt.head, tt.n, got, tt.want)
		}
	}
}

func TestProcessNudgeModeRenders(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Drift = DriftNudge
	e, state, q := newTestEngine(t, cfg)
	state.SetState(playback.Playing)
	for i := 0; i < 100; i++ {
		q <- sineChunk(i*media.AudioChunkSize, float64(i*media.AudioChunkSize)/testRate)
	}
	out := make([]float32, 2*512)
	for cb := 0; cb < 10; cb++ {
		e.Process(out, 2)
	}
	if got := e.Stats().RenderedFrames; got != 10*512 {
		t.Errorf("rendered: got %d, want %d", got, 10*512)
	}
}

func TestProcessDoesNotAllocate(t *testing.T) {
	e, state, q := newTestEngine(t, testConfig())
	state.SetState(playback.Playing)
	state.SetSpeed(1.5)
	for i := 0; i < 300; i++ {
		q <- sineChunk(i*media.AudioChunkSize, float64(i*media.AudioChunkSize)/testRate)
	}
	out := make([]float32, 2*512)
	allocs := testing.AllocsPerRun(50, func() { e.Process(out, 2) })
	if allocs != 0 {
		t.Errorf("allocs per callback: got %v, want 0", allocs)
	}
}
