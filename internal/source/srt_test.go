package source

import "testing"

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"live/test", "test"},
		{"/live/test", "test"},
		{"test", "test"},
		{"", "default"},
		{"live/", "default"},
		{"/", "default"},
		{"live/my-stream", "my-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := extractStreamKey(tt.input); got != tt.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseSRT(t *testing.T) {
	t.Parallel()

	tests := []struct {
		location   string
		addr       string
		streamID   string
		listen     bool
		shouldFail bool
	}{
		{"srt://10.0.0.5:6000?streamid=live/cam1", "10.0.0.5:6000", "live/cam1", false, false},
		{"srt://10.0.0.5:6000/live/cam2", "10.0.0.5:6000", "live/cam2", false, false},
		{"srt://:6000?mode=listener", ":6000", "", true, false},
		{"srt://0.0.0.0:6000?mode=LISTENER&streamid=live/in", "0.0.0.0:6000", "live/in", true, false},
		{"srt:///nohost", "", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			t.Parallel()
			got, err := parseSRT(tt.location)
			if tt.shouldFail {
				if err == nil {
					t.Fatalf("parseSRT(%q) should fail", tt.location)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSRT(%q): %v", tt.location, err)
			}
			if got.addr != tt.addr || got.streamID != tt.streamID || got.listen != tt.listen {
				t.Errorf("parseSRT(%q) = %+v", tt.location, got)
			}
		})
	}
}

func TestAcceptStreamID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		want, got string
		ok        bool
	}{
		{"", "", false},
		{"", "live/any", true},
		{"live/cam", "cam", true},
		{"live/cam", "/live/cam", true},
		{"live/cam", "live/other", false},
	}
	for _, tt := range tests {
		if ok := acceptStreamID(tt.want, tt.got); ok != tt.ok {
			t.Errorf("acceptStreamID(%q, %q) = %v, want %v", tt.want, tt.got, ok, tt.ok)
		}
	}
}

func TestSRTReadBufferHoldsWholePayloads(t *testing.T) {
	t.Parallel()

	const payload = 7 * tsPacketSize
	if srtReadBufferSize%payload != 0 {
		t.Errorf("buffer %d is not a whole number of %d-byte payloads", srtReadBufferSize, payload)
	}
	if got := srtReadBufferSize / tsPacketSize; got != 70 {
		t.Errorf("ts packets per read: got %d, want 70", got)
	}
}
