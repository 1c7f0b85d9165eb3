package captions

import (
	"strings"

	"github.com/zsiec/ccx"
)

// Caption is one decoded caption update. Channels 1-4 are CEA-608 CC1-CC4;
// channels 7-12 are CEA-708 services 1-6.
type Caption struct {
	PTS     float64
	Text    string
	Channel int
}

// Extractor holds decoder state across the access units of one video stream.
// It is not safe for concurrent use.
type Extractor struct {
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dedup  controlDedup

	dtvccBuf []byte
	frames   int64
}

// NewExtractor returns an Extractor with decoders for CC1-CC4 and
// DTVCC services 1-6.
func NewExtractor() *Extractor {
	e := &Extractor{
		cea608: make(map[int]*ccx.CEA608Decoder, 4),
		cea708: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		e.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		e.cea708[svc] = ccx.NewCEA708Service()
	}
	return e
}

// Supports reports whether captions can be extracted from codec.
func Supports(codec string) bool {
	switch strings.ToLower(codec) {
	case "h264", "avc", "avc1", "h265", "hevc", "hvc1", "hev1":
		return true
	}
	return false
}

// Extract scans one video access unit and returns the caption updates it
// produced. Call it once per access unit, in decode order.
func (e *Extractor) Extract(au []byte, codec string, pts float64) []Caption {
	e.frames++

	var out []Caption
	switch strings.ToLower(codec) {
	case "h264", "avc", "avc1":
		for _, nalu := range splitNALUnits(au, 1, h264Type) {
			if nalu.typ == nalTypeSEI {
				out = e.handleCaptionData(out, ccx.ExtractCaptions(nalu.data), pts)
			}
		}
	case "h265", "hevc", "hvc1", "hev1":
		for _, nalu := range splitNALUnits(au, 2, hevcType) {
			if (nalu.typ == hevcNALSEIPrefix || nalu.typ == hevcNALSEISuffix) && len(nalu.data) > 2 {
				out = e.handleCaptionData(out, ccx.ExtractCaptionsHEVC(nalu.data), pts)
			}
		}
	}
	return out
}

// Reset drops partial DTVCC packets and control-code history, for use after
// a seek.
func (e *Extractor) Reset() {
	e.dtvccBuf = e.dtvccBuf[:0]
	e.dedup = controlDedup{}
}

func (e *Extractor) handleCaptionData(out []Caption, cd *ccx.CaptionData, pts float64) []Caption {
	if cd == nil {
		return out
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		if e.dedup.skip(int(pair.Field), cc1, cc2, e.frames) {
			continue
		}
		dec := e.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			out = append(out, Caption{PTS: pts, Text: text, Channel: pair.Channel})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = e.drainDTVCC(out, pts)
			e.dtvccBuf = e.dtvccBuf[:0]
		}
		e.dtvccBuf = append(e.dtvccBuf, t.Data[0], t.Data[1])
		out = e.drainDTVCC(out, pts)
	}
	return out
}

func (e *Extractor) drainDTVCC(out []Caption, pts float64) []Caption {
	if len(e.dtvccBuf) < 1 {
		return out
	}
	size := ccx.DTVCCPacketSize(e.dtvccBuf[0])
	if len(e.dtvccBuf) < size {
		return out
	}
	for _, block := range ccx.ParseDTVCCPacket(e.dtvccBuf[:size]) {
		svc := e.cea708[block.ServiceNum]
		if svc == nil {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			if text := svc.DisplayText(); text != "" {
				out = append(out, Caption{PTS: pts, Text: text, Channel: block.ServiceNum + 6})
			}
		}
	}
	e.dtvccBuf = e.dtvccBuf[size:]
	return out
}

// controlDedup drops the redundant second transmission of a CEA-608
// control pair. Broadcasters send each control code twice in consecutive
// frames; only the first is acted on.
type controlDedup struct {
	last      [2][2]byte
	wasCtrl   [2]bool
	lastFrame [2]int64
}

func (d *controlDedup) skip(field int, cc1, cc2 byte, frame int64) bool {
	if field < 0 || field > 1 {
		return false
	}
	if cc1 < 0x10 || cc1 > 0x1F {
		d.wasCtrl[field] = false
		return false
	}
	cp := [2]byte{cc1, cc2}
	if d.wasCtrl[field] && d.last[field] == cp && frame-d.lastFrame[field] <= 2 {
		d.wasCtrl[field] = false
		return true
	}
	d.last[field] = cp
	d.wasCtrl[field] = true
	d.lastFrame[field] = frame
	return false
}
