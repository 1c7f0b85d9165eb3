package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zsiec/vista/internal/media"
	"github.com/zsiec/vista/internal/playback"
)

type action int

const (
	actionApply action = iota
	actionInfo
	actionDebug
	actionQuit
)

const (
	volumeStep = 0.1
	speedStep  = 0.25
	seekStep   = 10.0
)

// parseControl turns one line of stdin into a command bundle. Relative
// commands read the current state.
//
//	p | space   toggle pause        m        toggle mute
//	+ / -       volume              > / <    speed
//	f / b       seek +/-10s         s <t>    seek to t seconds
//	l           toggle loop         x        stop
//	a <i> / v <i> / t <i>           select audio/video/subtitle stream
//	i  info     d  debug            q  quit
func parseControl(line string, st *playback.State) (action, playback.Command, error) {
	var cmd playback.Command
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return actionApply, togglePause(st), nil
	}

	arg := func() (float64, error) {
		if len(fields) < 2 {
			return 0, fmt.Errorf("%s: missing argument", fields[0])
		}
		return strconv.ParseFloat(fields[1], 64)
	}

	switch fields[0] {
	case "p":
		cmd = togglePause(st)
	case "x":
		cmd.State = playback.Ptr(playback.Stopped)
	case "m":
		cmd.Muted = playback.Ptr(!st.Muted())
	case "l":
		cmd.Looping = playback.Ptr(!st.Looping())
	case "+":
		cmd.Volume = playback.Ptr(st.Volume() + volumeStep)
	case "-":
		cmd.Volume = playback.Ptr(st.Volume() - volumeStep)
	case ">":
		cmd.Speed = playback.Ptr(st.Speed() + speedStep)
	case "<":
		cmd.Speed = playback.Ptr(st.Speed() - speedStep)
	case "f":
		cmd.Seek = playback.Ptr(st.AudioPTS() + seekStep)
	case "b":
		cmd.Seek = playback.Ptr(max(0, st.AudioPTS()-seekStep))
	case "s":
		t, err := arg()
		if err != nil {
			return actionApply, cmd, err
		}
		cmd.Seek = playback.Ptr(t)
	case "a", "v", "t":
		idx, err := arg()
		if err != nil {
			return actionApply, cmd, err
		}
		typ := map[string]media.StreamType{"a": media.StreamAudio, "v": media.StreamVideo, "t": media.StreamSubtitle}[fields[0]]
		st.Select(typ, int(idx))
	case "i":
		return actionInfo, cmd, nil
	case "d":
		return actionDebug, cmd, nil
	case "q":
		return actionQuit, cmd, nil
	default:
		return actionApply, cmd, fmt.Errorf("unknown command %q", fields[0])
	}
	return actionApply, cmd, nil
}

func togglePause(st *playback.State) playback.Command {
	if st.State() == playback.Playing {
		return playback.Command{State: playback.Ptr(playback.Paused)}
	}
	return playback.Command{State: playback.Ptr(playback.Playing)}
}
