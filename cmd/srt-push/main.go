// Command srt-push streams an MPEG-TS file to an SRT peer at its natural
// bitrate, for feeding a vista session started with
// srt://host:port?mode=listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/vista/internal/decode"
	"github.com/zsiec/vista/internal/decode/ffmpeg"
	"github.com/zsiec/vista/internal/source"
)

const (
	tsPacketSize = 188
	// chunkSize is one SRT live payload of 7 TS packets.
	chunkSize = tsPacketSize * 7

	defaultDuration = 60.0
	logInterval     = 10 * time.Second
	retryDelay      = time.Second
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6000", "SRT peer address")
	streamID := flag.String("streamid", "", "SRT stream ID (default live/<file name>)")
	duration := flag.Float64("duration", 0, "duration in seconds; probed when zero")
	loop := flag.Bool("loop", false, "restart from the beginning at end of file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: srt-push [-addr host:port] [-streamid id] [-duration s] [-loop] <file.ts>")
		os.Exit(2)
	}
	path := flag.Arg(0)
	if *streamID == "" {
		base := filepath.Base(path)
		*streamID = "live/" + base[:len(base)-len(filepath.Ext(base))]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("read input", "error", err)
		os.Exit(1)
	}
	if len(data)%tsPacketSize != 0 {
		slog.Warn("file size is not a multiple of the TS packet size", "bytes", len(data))
	}

	dur := selectDuration(*duration, probeDuration(ctx, path))
	p := pusher{
		addr:        *addr,
		streamID:    *streamID,
		data:        data,
		bytesPerSec: float64(len(data)) / dur,
		loop:        *loop,
		log:         slog.With("streamid", *streamID),
	}
	p.log.Info("pushing", "file", path, "packets", len(data)/tsPacketSize,
		"duration", dur, "bytes_per_sec", int64(p.bytesPerSec), "addr", *addr)

	if err := p.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("push failed", "error", err)
		os.Exit(1)
	}
}

// probeDuration asks the FFmpeg backend for the container duration and
// returns 0 when it cannot tell.
func probeDuration(ctx context.Context, path string) float64 {
	in, err := source.Open(ctx, path, source.Config{})
	if err != nil {
		slog.Warn("probe: open input", "error", err)
		return 0
	}
	defer in.Close()

	b := ffmpeg.New(in, decode.Config{})
	defer b.Close()
	info, err := b.Probe(ctx)
	if err != nil {
		slog.Warn("probe failed", "error", err)
		return 0
	}
	return info.Duration
}

// selectDuration prefers an explicit override, then the probed value, then
// a fixed default.
func selectDuration(override, probed float64) float64 {
	switch {
	case override > 0:
		return override
	case probed > 0:
		return probed
	default:
		return defaultDuration
	}
}

type pusher struct {
	addr        string
	streamID    string
	data        []byte
	bytesPerSec float64
	loop        bool
	log         *slog.Logger
}

// run connects, streams and reconnects after a lost connection until the
// file is sent (or forever with loop) or ctx is cancelled.
func (p *pusher) run(ctx context.Context) error {
	for {
		cfg := srtgo.DefaultConfig()
		cfg.StreamID = p.streamID
		conn, err := srtgo.Dial(p.addr, cfg)
		if err != nil {
			p.log.Warn("connect failed, retrying", "error", err)
			if err := sleepCtx(ctx, retryDelay); err != nil {
				return err
			}
			continue
		}

		p.log.Info("connected")
		err = p.stream(ctx, conn)
		conn.Close()
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("connection lost, reconnecting", "error", err)
		if err := sleepCtx(ctx, retryDelay); err != nil {
			return err
		}
	}
}

// stream writes the file in SRT-sized chunks, paced against a single start
// time so looping introduces no burst at the seam.
func (p *pusher) stream(ctx context.Context, conn *srtgo.Conn) error {
	start := time.Now()
	lastLog := start
	var sent int64

	for pass := 1; ; pass++ {
		for i := 0; i < len(p.data); i += chunkSize {
			end := min(i+chunkSize, len(p.data))
			if _, err := conn.Write(p.data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)

			if err := sleepCtx(ctx, paceDelay(sent, p.bytesPerSec, time.Since(start))); err != nil {
				return err
			}
			if time.Since(lastLog) >= logInterval {
				p.log.Info("progress", "pass", pass,
					"offset_pct", 100*float64(i)/float64(len(p.data)),
					"rate", int64(float64(sent)/time.Since(start).Seconds()),
					"sent_mb", float64(sent)/(1<<20))
				lastLog = time.Now()
			}
		}
		if !p.loop {
			p.log.Info("done", "sent_mb", float64(sent)/(1<<20))
			return nil
		}
		p.log.Info("restarting from the beginning", "pass", pass)
	}
}

// paceDelay is how long to wait after sent bytes so the average rate does
// not exceed bytesPerSec.
func paceDelay(sent int64, bytesPerSec float64, elapsed time.Duration) time.Duration {
	if bytesPerSec <= 0 {
		return 0
	}
	due := time.Duration(float64(sent) / bytesPerSec * float64(time.Second))
	if due <= elapsed {
		return 0
	}
	return due - elapsed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
