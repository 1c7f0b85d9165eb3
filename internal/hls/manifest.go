package hls

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/grafov/m3u8"
)

var (
	// ErrMalformedManifest is returned when a manifest cannot be parsed.
	ErrMalformedManifest = errors.New("hls: malformed manifest")
	// ErrUnexpectedMaster is returned when a master manifest is served where
	// a media playlist was expected.
	ErrUnexpectedMaster = errors.New("hls: master manifest where media playlist expected")
)

// Variant is one rendition listed by a master manifest. URI is absolute.
type Variant struct {
	URI        string
	Bandwidth  int
	Resolution string
	Codecs     string
}

// Segment is one media segment of a variant playlist. URI is absolute.
type Segment struct {
	URI      string
	Duration float64
	Sequence uint64
}

// playlist is the subset of a media playlist the reader consumes.
type playlist struct {
	segments []Segment
	closed   bool
	target   float64
}

// parseManifest decodes data fetched from base. Exactly one of the results
// is non-nil on success.
func parseManifest(data []byte, base string) ([]Variant, *playlist, error) {
	// The decoder accepts bodies without the header line.
	body := bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	if !bytes.HasPrefix(body, []byte("#EXTM3U")) {
		return nil, nil, fmt.Errorf("%w: missing #EXTM3U header", ErrMalformedManifest)
	}
	pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}

	switch kind {
	case m3u8.MASTER:
		master, ok := pl.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, nil, ErrMalformedManifest
		}
		variants, err := masterVariants(master, base)
		if err != nil {
			return nil, nil, err
		}
		return variants, nil, nil
	case m3u8.MEDIA:
		media, ok := pl.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, nil, ErrMalformedManifest
		}
		p, err := mediaPlaylist(media, base)
		if err != nil {
			return nil, nil, err
		}
		return nil, p, nil
	default:
		return nil, nil, ErrMalformedManifest
	}
}

func masterVariants(master *m3u8.MasterPlaylist, base string) ([]Variant, error) {
	var out []Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		uri, err := resolveURI(base, v.URI)
		if err != nil {
			return nil, err
		}
		out = append(out, Variant{
			URI:        uri,
			Bandwidth:  int(v.Bandwidth),
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: master manifest lists no variants", ErrMalformedManifest)
	}
	// Stable so equal bandwidths keep manifest order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bandwidth > out[j].Bandwidth })
	return out, nil
}

func mediaPlaylist(media *m3u8.MediaPlaylist, base string) (*playlist, error) {
	p := &playlist{
		closed: media.Closed,
		target: media.TargetDuration,
	}
	for i, seg := range media.Segments {
		if seg == nil {
			continue
		}
		uri, err := resolveURI(base, seg.URI)
		if err != nil {
			return nil, err
		}
		p.segments = append(p.segments, Segment{
			URI:      uri,
			Duration: seg.Duration,
			Sequence: media.SeqNo + uint64(i),
		})
	}
	return p, nil
}

// resolveURI resolves ref against the manifest URL base. Absolute references
// are returned unchanged.
func resolveURI(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: bad uri %q: %v", ErrMalformedManifest, ref, err)
	}
	if u.IsAbs() {
		return ref, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("hls: bad manifest url %q: %w", base, err)
	}
	return b.ResolveReference(u).String(), nil
}

// IsManifestURL reports whether location is an http(s) URL naming an HLS
// manifest.
func IsManifestURL(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, ".m3u8") || strings.HasSuffix(p, ".m3u")
}
