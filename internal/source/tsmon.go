package source

import (
	"bytes"
	"slices"
	"sync"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47
	tsPIDPAT     = 0x0000
	tsPIDNull    = 0x1FFF

	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// TSStream is an elementary stream announced by a PMT.
type TSStream struct {
	PID        uint16 `json:"pid"`
	StreamType uint8  `json:"streamType"`
	Codec      string `json:"codec"`
}

// TSStats reports transport-stream health for reader-backed inputs. A
// payload that is not MPEG-TS (fMP4 HLS segments, for instance) shows up
// as zero packets.
type TSStats struct {
	Packets          int64      `json:"packets"`
	ContinuityErrors int64      `json:"continuityErrors"`
	TransportErrors  int64      `json:"transportErrors"`
	SyncLosses       int64      `json:"syncLosses"`
	CRCErrors        int64      `json:"crcErrors"`
	PIDs             int        `json:"pids"`
	Streams          []TSStream `json:"streams,omitempty"`
}

// tsMonitor scans the bytes handed to the backend for 188-byte TS packets.
// It tracks continuity counters per PID and learns the program layout from
// single-packet PAT and PMT sections. It never alters the stream.
type tsMonitor struct {
	mu     sync.Mutex
	buf    [tsPacketSize]byte
	n      int
	synced bool

	cc      map[uint16]uint8
	pids    map[uint16]struct{}
	pmtPIDs map[uint16]struct{}
	streams map[uint16]uint8

	packets    int64
	ccErrors   int64
	teiErrors  int64
	syncLosses int64
	crcErrors  int64
}

func newTSMonitor() *tsMonitor {
	return &tsMonitor{
		cc:      make(map[uint16]uint8),
		pids:    make(map[uint16]struct{}),
		pmtPIDs: make(map[uint16]struct{}),
		streams: make(map[uint16]uint8),
	}
}

// observe consumes b, which may split packets at any byte.
func (m *tsMonitor) observe(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(b) > 0 {
		if m.n == 0 && b[0] != tsSyncByte {
			if m.synced {
				m.syncLosses++
				m.synced = false
			}
			i := bytes.IndexByte(b, tsSyncByte)
			if i < 0 {
				return
			}
			b = b[i:]
		}
		k := copy(m.buf[m.n:], b)
		m.n += k
		b = b[k:]
		if m.n < tsPacketSize {
			return
		}
		m.n = 0
		m.packet(m.buf[:])
	}
}

func (m *tsMonitor) packet(pkt []byte) {
	m.synced = true
	m.packets++

	if pkt[1]&0x80 != 0 {
		m.teiErrors++
		return
	}
	pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
	pusi := pkt[1]&0x40 != 0
	hasAF := pkt[3]&0x20 != 0
	hasPayload := pkt[3]&0x10 != 0
	cc := pkt[3] & 0x0F

	m.pids[pid] = struct{}{}
	if pid == tsPIDNull {
		return
	}

	offset := 4
	discontinuity := false
	if hasAF {
		afLen := int(pkt[4])
		if afLen > 0 {
			discontinuity = pkt[5]&0x80 != 0
		}
		offset += 1 + afLen
	}

	// The counter only advances on packets carrying payload; one
	// duplicate is allowed.
	if hasPayload {
		if last, ok := m.cc[pid]; ok && !discontinuity && cc != last && cc != (last+1)&0x0F {
			m.ccErrors++
		}
		m.cc[pid] = cc
	}

	if !hasPayload || !pusi || offset >= tsPacketSize {
		return
	}
	if _, isPMT := m.pmtPIDs[pid]; pid == tsPIDPAT || isPMT {
		m.section(pkt[offset:])
	}
}

// section parses a PAT or PMT that starts and ends in this payload.
// Sections spanning packets are skipped.
func (m *tsMonitor) section(payload []byte) {
	off := 1 + int(payload[0])
	if off+3 > len(payload) {
		return
	}
	tableID := payload[off]
	if payload[off+1]&0x80 == 0 {
		return
	}
	end := off + 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
	if end > len(payload) {
		return
	}
	data := payload[off:end]
	if len(data) < 12 || mpegCRC32(data) != 0 {
		m.crcErrors++
		return
	}

	body := data[:len(data)-4]
	switch tableID {
	case tableIDPAT:
		for i := 8; i+4 <= len(body); i += 4 {
			program := uint16(body[i])<<8 | uint16(body[i+1])
			if program == 0 {
				continue
			}
			m.pmtPIDs[uint16(body[i+2]&0x1F)<<8|uint16(body[i+3])] = struct{}{}
		}
	case tableIDPMT:
		if len(body) < 12 {
			return
		}
		i := 12 + (int(body[10]&0x0F)<<8 | int(body[11]))
		for i+5 <= len(body) {
			esPID := uint16(body[i+1]&0x1F)<<8 | uint16(body[i+2])
			m.streams[esPID] = body[i]
			i += 5 + (int(body[i+3]&0x0F)<<8 | int(body[i+4]))
		}
	}
}

func (m *tsMonitor) snapshot() TSStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := TSStats{
		Packets:          m.packets,
		ContinuityErrors: m.ccErrors,
		TransportErrors:  m.teiErrors,
		SyncLosses:       m.syncLosses,
		CRCErrors:        m.crcErrors,
		PIDs:             len(m.pids),
	}
	for pid, typ := range m.streams {
		st.Streams = append(st.Streams, TSStream{PID: pid, StreamType: typ, Codec: streamTypeCodec(typ)})
	}
	slices.SortFunc(st.Streams, func(a, b TSStream) int { return int(a.PID) - int(b.PID) })
	return st
}

func streamTypeCodec(t uint8) string {
	switch t {
	case 0x01, 0x02:
		return "mpeg2video"
	case 0x03, 0x04:
		return "mp2"
	case 0x0F:
		return "aac"
	case 0x11:
		return "aac_latm"
	case 0x15:
		return "id3"
	case 0x1B:
		return "h264"
	case 0x24:
		return "hevc"
	case 0x81:
		return "ac3"
	case 0x87:
		return "eac3"
	case 0x06:
		return "private"
	default:
		return "unknown"
	}
}

// MPEG-2 CRC32, polynomial 0x04C11DB7, non-reflected. A section including
// its trailing CRC sums to zero.
var mpegCRCTable = func() (t [256]uint32) {
	for i := range t {
		crc := uint32(i) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func mpegCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ mpegCRCTable[byte(crc>>24)^b]
	}
	return crc
}
