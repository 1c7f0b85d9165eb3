package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vista/internal/audio"
	"github.com/zsiec/vista/internal/audio/device"
	"github.com/zsiec/vista/internal/decode"
	"github.com/zsiec/vista/internal/decode/backends"
	"github.com/zsiec/vista/internal/hls"
	"github.com/zsiec/vista/internal/media"
	"github.com/zsiec/vista/internal/playback"
	"github.com/zsiec/vista/internal/player"
	"github.com/zsiec/vista/internal/source"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	location := envOr("VISTA_INPUT", "")
	if len(os.Args) > 1 {
		location = os.Args[1]
	}
	if location == "" {
		fmt.Fprintln(os.Stderr, "usage: vista <file|url|manifest.m3u8|srt://host:port>")
		os.Exit(2)
	}

	cfg, initial, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	sess, err := player.New(location, cfg)
	if err != nil {
		slog.Error("failed to create session", "error", err)
		os.Exit(1)
	}
	sess.Apply(initial)

	slog.Info("vista starting",
		"version", version,
		"session", sess.ID(),
		"input", location,
		"backend", cfg.Backend.String(),
		"output", cfg.Output.String(),
		"drift", cfg.Audio.Drift.String(),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Session end (end of input or failure) stops the host loops too.
		defer cancel()
		return sess.Run(ctx)
	})

	g.Go(func() error {
		present(ctx, sess)
		return nil
	})

	g.Go(func() error {
		printSubtitles(ctx, sess.Subtitles())
		return nil
	})

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	g.Go(func() error {
		control(ctx, sess, lines, cancel)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("playback error", "error", err)
		os.Exit(1)
	}
	slog.Info("vista stopped")
}

// loadConfig builds the session configuration and the initial control
// bundle from VISTA_* environment variables.
func loadConfig() (player.Config, playback.Command, error) {
	var cfg player.Config
	var initial playback.Command

	kind, err := decode.ParseKind(envOr("VISTA_BACKEND", "ffmpeg"))
	if err != nil {
		return cfg, initial, err
	}
	drift, err := audio.ParseDriftMode(envOr("VISTA_DRIFT", "fixed"))
	if err != nil {
		return cfg, initial, err
	}
	output, err := player.ParseOutput(envOr("VISTA_AUDIO", "device"))
	if err != nil {
		return cfg, initial, err
	}
	sampleRate, err := envInt("VISTA_SAMPLE_RATE", playback.DefaultSampleRate)
	if err != nil {
		return cfg, initial, err
	}
	channels, err := envInt("VISTA_CHANNELS", playback.DefaultChannels)
	if err != nil {
		return cfg, initial, err
	}
	variant, err := envInt("VISTA_VARIANT", -1)
	if err != nil {
		return cfg, initial, err
	}
	statsInterval, err := time.ParseDuration(envOr("VISTA_STATS_INTERVAL", "5s"))
	if err != nil {
		return cfg, initial, fmt.Errorf("VISTA_STATS_INTERVAL: %w", err)
	}
	volume, err := envFloat("VISTA_VOLUME", 1)
	if err != nil {
		return cfg, initial, err
	}
	speed, err := envFloat("VISTA_SPEED", 1)
	if err != nil {
		return cfg, initial, err
	}

	cfg = player.Config{
		Backend:     kind,
		OpenBackend: backends.Open,
		Source: source.Config{
			HLS: hls.Config{
				HTTP3:   envBool("VISTA_HTTP3"),
				Variant: variant,
			},
		},
		Audio:         audio.Config{Drift: drift},
		Output:        output,
		Device:        device.Config{SampleRate: sampleRate, Channels: channels},
		Captions:      envBool("VISTA_CAPTIONS"),
		StatsInterval: statsInterval,
	}
	initial = playback.Command{
		Volume:  playback.Ptr(volume),
		Speed:   playback.Ptr(speed),
		Looping: playback.Ptr(envBool("VISTA_LOOP")),
	}
	return cfg, initial, nil
}

// present stands in for a renderer: it paces frames and logs progress.
func present(ctx context.Context, sess *player.Session) {
	pacer := sess.Pacer()
	var frames int64
	for {
		f, err := pacer.Next(ctx)
		if err != nil {
			return
		}
		frames++
		if frames == 1 {
			slog.Info("first frame", "width", f.Width, "height", f.Height, "pts", f.PTS)
		}
		slog.Debug("frame", "pts", f.PTS, "stream", f.StreamIndex, "epoch", f.Epoch)
	}
}

func printSubtitles(ctx context.Context, subs <-chan *media.SubtitlePacket) {
	for {
		select {
		case <-ctx.Done():
			return
		case sp := <-subs:
			if sp.Kind == media.SubtitleCaption {
				slog.Info("caption", "channel", sp.Channel, "pts", playback.FormatTime(sp.PTS), "text", string(sp.Data))
				continue
			}
			slog.Debug("subtitle packet", "stream", sp.StreamIndex, "pts", sp.PTS, "bytes", len(sp.Data))
		}
	}
}

func readLines(f *os.File, out chan<- string) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out <- sc.Text()
	}
	close(out)
}

// control applies stdin commands until ctx is done or stdin closes.
func control(ctx context.Context, sess *player.Session, lines <-chan string, quit context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			act, cmd, err := parseControl(line, sess.State())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			switch act {
			case actionQuit:
				quit()
				return
			case actionInfo:
				printInfo(sess)
			case actionDebug:
				b, _ := json.MarshalIndent(sess.Debug(), "", "  ")
				fmt.Println(string(b))
			case actionApply:
				sess.Apply(cmd)
			}
			st := sess.State()
			fmt.Printf("%s %s / %s  vol %.2f  speed %.2f\n", st.State(),
				playback.FormatTime(st.AudioPTS()), playback.FormatTime(st.Duration()),
				st.Volume(), st.Speed())
		}
	}
}

func printInfo(sess *player.Session) {
	info := sess.Info()
	if info == nil {
		fmt.Println("no stream information yet")
		return
	}
	fmt.Printf("duration %s  bitrate %d\n", playback.FormatTime(info.Duration), info.Bitrate)
	st := sess.State()
	for _, s := range info.Streams {
		mark := " "
		if st.IsSelected(s.Index) {
			mark = "*"
		}
		fmt.Printf("%s %s\n", mark, s.String())
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
