// Package source selects how an input location reaches the decode backend.
// HLS manifests are read through the segment reader, SRT URLs through an
// SRT socket, and everything else (local files, plain http(s) media,
// rtsp/rtmp) is handed to the backend to open natively.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/vista/internal/hls"
)

// ErrUnsupportedScheme is returned for URL schemes no route handles.
var ErrUnsupportedScheme = errors.New("source: unsupported scheme")

// ErrNotFound is returned when a local input path does not exist.
var ErrNotFound = errors.New("source: input not found")

// Kind identifies the route an input takes.
type Kind int

const (
	KindFile Kind = iota
	KindURL
	KindHLS
	KindSRT
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindURL:
		return "url"
	case KindHLS:
		return "hls"
	case KindSRT:
		return "srt"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Schemes the backends open natively.
var nativeSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"rtsp":  true,
	"rtmp":  true,
}

// Config carries per-route settings.
type Config struct {
	HLS         hls.Config
	DialTimeout time.Duration
	Logger      *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HLS.Logger == nil {
		c.HLS.Logger = c.Logger
	}
	return c
}

// Input is an opened location. When Reader is nil the backend opens
// Location itself; otherwise the backend must demux from Reader.
type Input struct {
	Kind     Kind
	Location string
	Reader   io.Reader

	hls    *hls.Reader
	stats  *ingestStats
	closer io.Closer

	closeOnce sync.Once
	closeErr  error
}

// Classify returns the route for location without opening it.
func Classify(location string) (Kind, error) {
	if location == "" {
		return 0, fmt.Errorf("%w: empty location", ErrNotFound)
	}
	if hls.IsManifestURL(location) {
		return KindHLS, nil
	}
	u, err := url.Parse(location)
	// Single-letter schemes are Windows drive letters.
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 || u.Scheme == "file" {
		return KindFile, nil
	}
	switch {
	case u.Scheme == "srt":
		return KindSRT, nil
	case nativeSchemes[strings.ToLower(u.Scheme)]:
		return KindURL, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Open routes location and prepares it for the backend.
func Open(ctx context.Context, location string, cfg Config) (*Input, error) {
	cfg = cfg.withDefaults()
	kind, err := Classify(location)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger.With("component", "source", "kind", kind.String())

	in := &Input{Kind: kind, Location: location, stats: newIngestStats()}
	switch kind {
	case KindFile:
		path := strings.TrimPrefix(location, "file://")
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		in.Location = path
	case KindURL:
	case KindHLS:
		r, err := hls.Open(ctx, location, cfg.HLS)
		if err != nil {
			return nil, fmt.Errorf("open manifest: %w", err)
		}
		in.hls = r
		in.closer = r
		in.stats.monitorTS()
		in.Reader = &countingReader{r: r, stats: in.stats}
	case KindSRT:
		conn, err := openSRT(ctx, location, cfg, log)
		if err != nil {
			return nil, err
		}
		in.stats.setRemoteAddr(conn.remote)
		in.stats.monitorTS()
		in.closer = conn
		in.Reader = &countingReader{r: conn, stats: in.stats}
	}

	log.Info("input opened", "location", location)
	return in, nil
}

// HLS returns the segment reader for HLS inputs, or nil.
func (in *Input) HLS() *hls.Reader { return in.hls }

// Stats returns byte counters for reader-backed inputs.
func (in *Input) Stats() IngestStats { return in.stats.snapshot() }

// Close releases the underlying reader, if any. A Read blocked on the
// reader returns an error. Close may be called more than once.
func (in *Input) Close() error {
	in.closeOnce.Do(func() {
		if in.closer != nil {
			in.closeErr = in.closer.Close()
		}
	})
	return in.closeErr
}
