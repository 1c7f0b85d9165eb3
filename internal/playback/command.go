package playback

import (
	"fmt"
	"math"
)

// Command is an optional bundle of control intents produced by a control
// surface. Nil fields are left untouched.
type Command struct {
	State   *TransportState
	Volume  *float64
	Seek    *float64
	Muted   *bool
	Speed   *float64
	Looping *bool
}

// Apply writes each present field to s. A seek is applied last so that a
// bundle carrying both a state and a seek resumes into the new state.
func (c Command) Apply(s *State) {
	if c.State != nil {
		s.SetState(*c.State)
	}
	if c.Volume != nil {
		s.SetVolume(*c.Volume)
	}
	if c.Muted != nil {
		s.SetMuted(*c.Muted)
	}
	if c.Speed != nil {
		s.SetSpeed(*c.Speed)
	}
	if c.Looping != nil {
		s.SetLooping(*c.Looping)
	}
	if c.Seek != nil {
		s.RequestSeek(*c.Seek)
	}
}

// Empty reports whether the bundle carries no intent.
func (c Command) Empty() bool {
	return c.State == nil && c.Volume == nil && c.Seek == nil &&
		c.Muted == nil && c.Speed == nil && c.Looping == nil
}

// Ptr returns a pointer to v, for building Commands inline.
func Ptr[T any](v T) *T { return &v }

// FormatTime renders seconds as m:ss, or h:mm:ss from one hour up.
func FormatTime(sec float64) string {
	if math.IsNaN(sec) || sec < 0 {
		sec = 0
	}
	total := int64(sec)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
