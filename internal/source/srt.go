package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

const (
	// srtReadBufferSize holds 10 SRT live payloads of 7 TS packets each.
	srtReadBufferSize = 1316 * 10

	// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
	srtLatencyNs = 120_000_000

	defaultDialTimeout = 10 * time.Second
)

// srtInput pumps an SRT connection into a pipe so the backend sees a
// plain byte stream.
type srtInput struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
	remote string
	done   chan struct{}
}

func (s *srtInput) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *srtInput) Close() error {
	s.cancel()
	err := s.pr.Close()
	<-s.done
	return err
}

// srtTarget is the parsed form of an srt:// location.
type srtTarget struct {
	addr     string
	streamID string
	listen   bool
}

func parseSRT(location string) (srtTarget, error) {
	u, err := url.Parse(location)
	if err != nil {
		return srtTarget{}, fmt.Errorf("parse srt url: %w", err)
	}
	if u.Host == "" {
		return srtTarget{}, fmt.Errorf("srt url %q has no host", location)
	}
	q := u.Query()
	t := srtTarget{
		addr:     u.Host,
		streamID: q.Get("streamid"),
		listen:   strings.EqualFold(q.Get("mode"), "listener"),
	}
	if t.streamID == "" && u.Path != "" && u.Path != "/" {
		t.streamID = strings.TrimPrefix(u.Path, "/")
	}
	return t, nil
}

// extractStreamKey derives a stream key from an SRT stream ID.
// It strips leading slashes and a "live/" prefix. Returns "default"
// if the result is empty.
func extractStreamKey(streamID string) string {
	key := strings.TrimPrefix(streamID, "/")
	key = strings.TrimPrefix(key, "live/")
	if key == "" {
		return "default"
	}
	return key
}

func openSRT(ctx context.Context, location string, cfg Config, log *slog.Logger) (*srtInput, error) {
	t, err := parseSRT(location)
	if err != nil {
		return nil, err
	}

	scfg := srtgo.DefaultConfig()
	scfg.Latency = srtLatencyNs
	if t.streamID != "" {
		scfg.StreamID = t.streamID
	}

	var conn *srtgo.Conn
	if t.listen {
		l, lerr := srtgo.Listen(t.addr, scfg)
		if lerr != nil {
			return nil, fmt.Errorf("SRT listen: %w", lerr)
		}
		l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
			if !acceptStreamID(t.streamID, req.StreamID) {
				return srtgo.RejPeer
			}
			return 0
		})
		log.Info("srt listening", "address", t.addr)
		conn, err = await(ctx, 0, l.Accept)
		l.Close()
	} else {
		log.Info("dialing", "address", t.addr, "stream_id", t.streamID)
		conn, err = await(ctx, cfg.DialTimeout, func() (*srtgo.Conn, error) {
			return srtgo.Dial(t.addr, scfg)
		})
	}
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	in := &srtInput{
		pr:     pr,
		cancel: cancel,
		remote: conn.RemoteAddr().String(),
		done:   make(chan struct{}),
	}
	key := extractStreamKey(conn.StreamID())

	go func() {
		defer close(in.done)
		defer conn.Close()
		buf := make([]byte, srtReadBufferSize)
		var total int64
		for {
			if pumpCtx.Err() != nil {
				pw.CloseWithError(pumpCtx.Err())
				break
			}
			n, err := conn.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug("read error", "stream_key", key, "error", err)
				}
				pw.CloseWithError(err)
				break
			}
			total += int64(n)
			if _, err := pw.Write(buf[:n]); err != nil {
				log.Debug("pipe write error", "stream_key", key, "error", err)
				break
			}
		}
		log.Info("srt input ended", "stream_key", key, "bytes", total)
	}()

	// Unblock a pump stuck in conn.Read when the caller goes away.
	go func() {
		select {
		case <-pumpCtx.Done():
			conn.Close()
		case <-in.done:
		}
	}()

	log.Info("srt connected", "stream_key", key, "remote_addr", in.remote)
	return in, nil
}

// acceptStreamID reports whether a publisher's stream ID may connect to a
// listener configured with want. An empty want admits any non-empty ID.
func acceptStreamID(want, got string) bool {
	if got == "" {
		return false
	}
	return want == "" || extractStreamKey(got) == extractStreamKey(want)
}

// await runs connect on its own goroutine and waits for it, the timeout
// (if positive) or ctx. A connection that completes after the wait was
// abandoned is closed.
func await(ctx context.Context, timeout time.Duration, connect func() (*srtgo.Conn, error)) (*srtgo.Conn, error) {
	type result struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := connect()
		ch <- result{conn, err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT connect failed: %w", res.err)
		}
		return res.conn, nil
	case <-expired:
		abandon()
		return nil, fmt.Errorf("SRT connect timed out after %s", timeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}
