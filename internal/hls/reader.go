package hls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/http3"
)

// ErrFetch wraps a manifest or segment download that still failed after
// all retries.
var ErrFetch = errors.New("hls: fetch failed")

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultMaxRetries   = 3
	defaultRetryBackoff = 500 * time.Millisecond
	defaultUserAgent    = "vista/1.0"
)

// Config controls manifest polling and HTTP behaviour. The zero value is
// usable.
type Config struct {
	// Client performs requests. When nil a client is built from HTTP3.
	Client *http.Client
	// HTTP3 fetches over QUIC instead of TCP.
	HTTP3 bool
	// InsecureSkipVerify disables TLS verification for the HTTP/3 client.
	InsecureSkipVerify bool
	// PollInterval is the wait between polls of a live playlist that has no
	// unseen segment.
	PollInterval time.Duration
	// MaxRetries bounds re-attempts of a failed fetch; the n-th retry waits
	// n*RetryBackoff.
	MaxRetries   int
	RetryBackoff time.Duration
	UserAgent    string
	// Variant forces the variant at this index of Variants(); negative
	// selects the highest bandwidth.
	Variant int
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats is a snapshot of reader activity.
type Stats struct {
	ManifestPolls   int64 `json:"manifestPolls"`
	SegmentsFetched int64 `json:"segmentsFetched"`
	BytesFetched    int64 `json:"bytesFetched"`
	Retries         int64 `json:"retries"`
	Buffered        int64 `json:"buffered"`
}

// Reader is a pull-based byte source over the segments of one variant.
// Read is not safe for concurrent use; Select, Variants and Stats are.
type Reader struct {
	log         *slog.Logger
	cfg         Config
	client      *http.Client
	h3          *http3.Transport
	ctx         context.Context
	cancel      context.CancelFunc
	manifestURL string
	variants    []Variant

	selected atomic.Int32
	current  int32 // variant the seen set and minSeq refer to

	buf      []byte
	seen     map[string]struct{}
	minSeq   uint64
	lastSeq  uint64
	consumed bool
	cached   *playlist // closed playlists are not re-fetched
	ended    bool
	err      error
	live     atomic.Bool

	polls    atomic.Int64
	segments atomic.Int64
	bytes    atomic.Int64
	retries  atomic.Int64
	buffered atomic.Int64
}

// Open fetches and parses the manifest at manifestURL. The returned Reader
// stops all network activity when ctx is cancelled or Close is called.
func Open(ctx context.Context, manifestURL string, cfg Config) (*Reader, error) {
	cfg = cfg.withDefaults()
	rctx, cancel := context.WithCancel(ctx)
	r := &Reader{
		log:         cfg.Logger.With("component", "hls", "manifest", manifestURL),
		cfg:         cfg,
		client:      cfg.Client,
		ctx:         rctx,
		cancel:      cancel,
		manifestURL: manifestURL,
		seen:        make(map[string]struct{}),
	}
	if r.client == nil {
		if cfg.HTTP3 {
			r.h3 = &http3.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
			}
			r.client = &http.Client{Transport: r.h3}
		} else {
			r.client = http.DefaultClient
		}
	}

	data, err := r.fetch(manifestURL)
	if err != nil {
		r.Close()
		return nil, err
	}
	variants, media, err := parseManifest(data, manifestURL)
	if err != nil {
		r.Close()
		return nil, err
	}
	if media != nil {
		variants = []Variant{{URI: manifestURL}}
		r.live.Store(!media.closed)
	}
	r.variants = variants

	if cfg.Variant >= 0 && cfg.Variant < len(variants) {
		r.selected.Store(int32(cfg.Variant))
	}
	r.current = r.selected.Load()

	r.log.Info("manifest opened",
		"variants", len(variants),
		"selected", r.Selected().URI,
		"bandwidth", r.Selected().Bandwidth,
	)
	return r, nil
}

// Variants returns the variants ordered by descending bandwidth. A media
// manifest yields a single variant naming the manifest itself.
func (r *Reader) Variants() []Variant {
	out := make([]Variant, len(r.variants))
	copy(out, r.variants)
	return out
}

// Selected returns the variant segments are currently read from.
func (r *Reader) Selected() Variant {
	return r.variants[r.selected.Load()]
}

// Select switches to variant i of Variants(). Reading continues after the
// last consumed media sequence number.
func (r *Reader) Select(i int) error {
	if i < 0 || i >= len(r.variants) {
		return fmt.Errorf("hls: variant %d out of range [0,%d)", i, len(r.variants))
	}
	r.selected.Store(int32(i))
	return nil
}

// Live reports whether the last polled playlist had no ENDLIST tag.
func (r *Reader) Live() bool { return r.live.Load() }

// Stats returns a snapshot of network counters.
func (r *Reader) Stats() Stats {
	return Stats{
		ManifestPolls:   r.polls.Load(),
		SegmentsFetched: r.segments.Load(),
		BytesFetched:    r.bytes.Load(),
		Retries:         r.retries.Load(),
		Buffered:        r.buffered.Load(),
	}
}

// Read blocks until len(p) bytes are buffered and copies exactly len(p).
// Only at the end of a closed playlist, or after a fatal error, can it
// return fewer; the error is reported once the buffer is drained.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.buf) < len(p) && !r.ended && r.err == nil {
		if err := r.next(); err != nil {
			r.err = err
		}
	}
	if len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	if len(r.buf) == 0 {
		r.buf = nil
	}
	r.buffered.Store(int64(len(r.buf)))
	return n, nil
}

// Close cancels outstanding requests. Subsequent reads fail.
func (r *Reader) Close() error {
	r.cancel()
	if r.h3 != nil {
		return r.h3.Close()
	}
	return nil
}

// next performs one poll: fetch the playlist, append the first unseen
// segment, or wait PollInterval when there is none.
func (r *Reader) next() error {
	if sel := r.selected.Load(); sel != r.current {
		r.log.Info("variant switched", "from", r.variants[r.current].URI, "to", r.variants[sel].URI)
		r.current = sel
		if r.consumed {
			r.minSeq = r.lastSeq + 1
		}
		r.cached = nil
	}

	pl := r.cached
	if pl == nil {
		var err error
		pl, err = r.poll(r.variants[r.current].URI)
		if err != nil {
			return err
		}
		if pl.closed {
			r.cached = pl
		}
	}

	for _, seg := range pl.segments {
		if seg.Sequence < r.minSeq {
			continue
		}
		if _, ok := r.seen[seg.URI]; ok {
			continue
		}
		data, err := r.fetch(seg.URI)
		if err != nil {
			return err
		}
		r.seen[seg.URI] = struct{}{}
		r.lastSeq = seg.Sequence
		r.consumed = true
		r.buf = append(r.buf, data...)
		r.segments.Add(1)
		r.bytes.Add(int64(len(data)))
		r.buffered.Store(int64(len(r.buf)))
		r.log.Debug("segment fetched", "uri", seg.URI, "seq", seg.Sequence, "bytes", len(data))
		return nil
	}

	if pl.closed {
		r.ended = true
		r.log.Info("playlist ended", "segments", r.segments.Load())
		return nil
	}

	t := time.NewTimer(r.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (r *Reader) poll(uri string) (*playlist, error) {
	r.polls.Add(1)
	data, err := r.fetch(uri)
	if err != nil {
		return nil, err
	}
	variants, pl, err := parseManifest(data, uri)
	if err != nil {
		return nil, err
	}
	if variants != nil {
		return nil, ErrUnexpectedMaster
	}
	r.live.Store(!pl.closed)
	return pl, nil
}

// fetch downloads uri, retrying with linear backoff.
func (r *Reader) fetch(uri string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.retries.Add(1)
			wait := time.Duration(attempt) * r.cfg.RetryBackoff
			r.log.Warn("retrying fetch", "uri", uri, "attempt", attempt, "wait", wait, "error", lastErr)
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-r.ctx.Done():
				t.Stop()
				return nil, r.ctx.Err()
			}
		}
		data, err := r.get(uri)
		if err == nil {
			return data, nil
		}
		if r.ctx.Err() != nil {
			return nil, r.ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrFetch, uri, lastErr)
}

func (r *Reader) get(uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
