package playback

import "testing"

func TestCommandApply(t *testing.T) {
	t.Parallel()

	s := New()
	Command{
		State:   Ptr(Playing),
		Volume:  Ptr(0.4),
		Muted:   Ptr(true),
		Speed:   Ptr(1.5),
		Looping: Ptr(true),
	}.Apply(s)

	if s.State() != Playing {
		t.Errorf("State: got %v", s.State())
	}
	if s.Volume() < 0.39 || s.Volume() > 0.41 {
		t.Errorf("Volume: got %v", s.Volume())
	}
	if !s.Muted() || !s.Looping() {
		t.Errorf("Muted/Looping: got %v/%v", s.Muted(), s.Looping())
	}
	if s.Speed() != 1.5 {
		t.Errorf("Speed: got %v", s.Speed())
	}
}

func TestCommandApplyPartial(t *testing.T) {
	t.Parallel()

	s := New()
	s.SetVolume(0.2)
	Command{Muted: Ptr(true)}.Apply(s)

	if s.Volume() > 0.21 || s.Volume() < 0.19 {
		t.Errorf("Volume changed: got %v", s.Volume())
	}
	if s.State() != Stopped {
		t.Errorf("State changed: got %v", s.State())
	}
}

func TestCommandSeekResumesCommandState(t *testing.T) {
	t.Parallel()

	s := New()
	Command{State: Ptr(Playing), Seek: Ptr(12.0)}.Apply(s)
	if s.State() != Seeking {
		t.Fatalf("State: got %v, want seeking", s.State())
	}
	target, _, _ := s.TakeSeek()
	s.FinishSeek(target)
	if s.State() != Playing {
		t.Errorf("State after seek: got %v, want playing", s.State())
	}
}

func TestCommandEmpty(t *testing.T) {
	t.Parallel()

	if !(Command{}).Empty() {
		t.Error("zero Command should be empty")
	}
	if (Command{Looping: Ptr(false)}).Empty() {
		t.Error("Command with Looping should not be empty")
	}
}

func TestFormatTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want string
	}{
		{0, "0:00"},
		{9.9, "0:09"},
		{61, "1:01"},
		{3599, "59:59"},
		{3600, "1:00:00"},
		{7384, "2:03:04"},
		{-5, "0:00"},
	}
	for _, tt := range tests {
		if got := FormatTime(tt.in); got != tt.want {
			t.Errorf("FormatTime(%v): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
