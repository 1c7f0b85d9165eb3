package player

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/vista/internal/audio"
	"github.com/zsiec/vista/internal/audio/device"
	"github.com/zsiec/vista/internal/decode"
	"github.com/zsiec/vista/internal/media"
	"github.com/zsiec/vista/internal/playback"
	"github.com/zsiec/vista/internal/source"
)

// stubBackend serves a video stream (index 0) and an audio stream (index 1)
// with alternating packets, then readErr or io.EOF.
type stubBackend struct {
	videoFrames int
	audioChunks int
	readErr     error

	mu     sync.Mutex
	pos    int
	closed bool
}

func (b *stubBackend) Probe(context.Context) (*media.DecoderInfo, error) {
	return &media.DecoderInfo{
		Duration: 2,
		Bitrate:  1_000_000,
		Streams: []media.StreamInfo{
			{Type: media.StreamVideo, Index: 0, Codec: "h264", Width: 4, Height: 2, FPS: 30},
			{Type: media.StreamAudio, Index: 1, Codec: "aac", Channels: 2, SampleRate: 48000, Bitrate: 128000},
		},
	}, nil
}

func (b *stubBackend) Start(context.Context) error { return nil }

func (b *stubBackend) ReadPacket(context.Context) (decode.Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := b.videoFrames + b.audioChunks
	if b.pos >= total {
		if b.readErr != nil {
			return decode.Packet{}, b.readErr
		}
		return decode.Packet{}, io.EOF
	}
	i := b.pos
	b.pos++
	if i%2 == 0 && i/2 < b.videoFrames || i-b.videoFrames >= b.audioChunks {
		return decode.Packet{StreamIndex: 0, PTS: float64(i/2) / 30}, nil
	}
	return decode.Packet{StreamIndex: 1, PTS: float64(i/2) * 512 / 48000}, nil
}

func (b *stubBackend) Decode(pkt decode.Packet, af decode.AudioFormat) ([]decode.Frame, error) {
	if pkt.StreamIndex == 0 {
		return []decode.Frame{{
			Type: media.StreamVideo, StreamIndex: 0, PTS: pkt.PTS, Duration: 1.0 / 30,
			Pixels: make([]byte, 4*4*2), Width: 4, Height: 2,
		}}, nil
	}
	samples := make([][]float32, af.Channels)
	for ch := range samples {
		samples[ch] = make([]float32, 512)
	}
	return []decode.Frame{{
		Type: media.StreamAudio, StreamIndex: 1, PTS: pkt.PTS,
		Samples: samples, SampleRate: af.SampleRate,
	}}, nil
}

func (b *stubBackend) Seek(float64) error { return decode.ErrSeekUnsupported }

func (b *stubBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func tempInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("stub"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testSessionConfig(open OpenBackendFunc) Config {
	return Config{
		OpenBackend: open,
		Output:      OutputNull,
		Device:      device.Config{Period: 5 * time.Millisecond},
		Audio:       audio.Config{PollInterval: 100 * time.Microsecond, UnderrunWait: 200 * time.Microsecond},
	}
}

// presentAll consumes the pacer until ctx is done.
func presentAll(ctx context.Context, s *Session, presented *atomic.Int64) {
	p := s.Pacer()
	for {
		if _, err := p.Next(ctx); err != nil {
			return
		}
		presented.Add(1)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	if _, err := New("", testSessionConfig(nil)); !errors.Is(err, ErrNoInput) {
		t.Errorf("empty location: got %v, want ErrNoInput", err)
	}
	if _, err := New("clip.mp4", Config{}); err == nil {
		t.Error("missing backend constructor: expected error")
	}
}

func TestParseOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Output
		wantErr bool
	}{
		{"", OutputDevice, false},
		{"device", OutputDevice, false},
		{"NULL", OutputNull, false},
		{"external", OutputExternal, false},
		{"speaker", OutputDevice, true},
	}
	for _, tt := range tests {
		got, err := ParseOutput(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutput(%q): got %v, %v; want %v, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestSessionPlaysToEnd(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{videoFrames: 5, audioChunks: 10}
	var kinds []decode.Kind
	open := func(kind decode.Kind, in *source.Input, cfg decode.Config) (decode.Backend, error) {
		kinds = append(kinds, kind)
		if in.Kind != source.KindFile {
			t.Errorf("input kind: got %v, want file", in.Kind)
		}
		if cfg.Audio.SampleRate != playback.DefaultSampleRate {
			t.Errorf("audio format: got %+v", cfg.Audio)
		}
		return backend, nil
	}
	s, err := New(tempInput(t), testSessionConfig(open))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var presented atomic.Int64
	go presentAll(ctx, s, &presented)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run did not return at end of input")
	}

	select {
	case <-s.Ready():
	default:
		t.Fatal("Ready not closed")
	}
	if info := s.Info(); info == nil || len(info.Streams) != 2 {
		t.Fatalf("Info: got %+v", info)
	}
	if d := s.State().Duration(); d != 2 {
		t.Errorf("duration: got %v, want 2", d)
	}
	if len(kinds) != 1 || kinds[0] != decode.KindFFmpeg {
		t.Errorf("backend kinds: got %v", kinds)
	}
	if !backend.closed {
		t.Error("backend not closed")
	}
	deadline := time.Now().Add(time.Second)
	for presented.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := presented.Load(); got != 5 {
		t.Errorf("presented: got %d, want 5", got)
	}

	d := s.Debug()
	if d.Phase != decode.PhaseEnded.String() {
		t.Errorf("phase: got %q, want %q", d.Phase, decode.PhaseEnded.String())
	}
	if d.Producer.AudioChunks != 10 {
		t.Errorf("audio chunks: got %d, want 10", d.Producer.AudioChunks)
	}
	if d.Audio.RenderedFrames == 0 {
		t.Error("audio engine rendered nothing")
	}
	if d.Ingest != nil {
		t.Errorf("file input reported ingest stats: %+v", d.Ingest)
	}
	if s.State().State() != playback.Stopped {
		t.Errorf("state after Run: got %v, want stopped", s.State().State())
	}
}

func TestSessionLoops(t *testing.T) {
	t.Parallel()

	var opened atomic.Int64
	open := func(decode.Kind, *source.Input, decode.Config) (decode.Backend, error) {
		opened.Add(1)
		return &stubBackend{videoFrames: 2, audioChunks: 2}, nil
	}
	s, err := New(tempInput(t), testSessionConfig(open))
	if err != nil {
		t.Fatal(err)
	}
	s.Apply(playback.Command{Looping: playback.Ptr(true)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var presented atomic.Int64
	go presentAll(ctx, s, &presented)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(4 * time.Second)
	for opened.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("pipeline opened %d times, want at least 3", opened.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if loops := s.Debug().Loops; loops < 2 {
		t.Errorf("loops: got %d, want at least 2", loops)
	}
	if s.State().Epoch() < 2 {
		t.Errorf("epoch: got %d, want a new epoch per loop", s.State().Epoch())
	}
}

func TestSessionSurfacesFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	open := func(decode.Kind, *source.Input, decode.Config) (decode.Backend, error) {
		return &stubBackend{videoFrames: 1, audioChunks: 1, readErr: boom}, nil
	}
	s, err := New(tempInput(t), testSessionConfig(open))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var presented atomic.Int64
	go presentAll(ctx, s, &presented)

	err = s.Run(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Run: got %v, want %v", err, boom)
	}
	if d := s.Debug(); d.Phase != decode.PhaseFailed.String() {
		t.Errorf("phase: got %q, want failed", d.Phase)
	}
}

// blockingCloseBackend fails on its first read and, like a backend whose
// feeder goroutine is parked in Read, only finishes Close once the input
// reader returns an error.
type blockingCloseBackend struct {
	*stubBackend
	in *source.Input
}

func (b *blockingCloseBackend) Close() error {
	buf := make([]byte, 188)
	for {
		if _, err := b.in.Reader.Read(buf); err != nil {
			return b.stubBackend.Close()
		}
	}
}

func TestSessionClosesInputBeforeBackend(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/live/index.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n#EXTINF:2.0,\nseg0.ts\n")
	})
	mux.HandleFunc("/live/seg0.ts", func(w http.ResponseWriter, _ *http.Request) {
		w.Write(make([]byte, 188))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	boom := errors.New("bus error")
	open := func(_ decode.Kind, in *source.Input, _ decode.Config) (decode.Backend, error) {
		if in.Reader == nil {
			t.Error("live manifest opened without a reader")
		}
		return &blockingCloseBackend{stubBackend: &stubBackend{readErr: boom}, in: in}, nil
	}
	s, err := New(srv.URL+"/live/index.m3u8", testSessionConfig(open))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("Run: got %v, want %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return while the backend waited on a blocked input read")
	}
}

func TestSessionMissingInput(t *testing.T) {
	t.Parallel()

	open := func(decode.Kind, *source.Input, decode.Config) (decode.Backend, error) {
		t.Error("backend opened for a missing input")
		return nil, nil
	}
	s, err := New(filepath.Join(t.TempDir(), "missing.mp4"), testSessionConfig(open))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, source.ErrNotFound) {
		t.Fatalf("Run: got %v, want ErrNotFound", err)
	}
}

func TestApplyCommand(t *testing.T) {
	t.Parallel()

	s, err := New("clip.mp4", testSessionConfig(func(decode.Kind, *source.Input, decode.Config) (decode.Backend, error) {
		return nil, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	s.Apply(playback.Command{
		State:  playback.Ptr(playback.Paused),
		Speed:  playback.Ptr(1.5),
		Muted:  playback.Ptr(true),
		Volume: playback.Ptr(0.2),
	})
	st := s.State()
	if st.State() != playback.Paused || st.Speed() != 1.5 || !st.Muted() {
		t.Errorf("state: got %+v", st.Snapshot())
	}
	if s.ID() == "" {
		t.Error("empty session id")
	}
}
