package captions

import "encoding/binary"

const (
	nalTypeSEI          = 6
	hevcNALSEIPrefix    = 39
	hevcNALSEISuffix    = 40
	lengthPrefixBytes   = 4
	maxNALUnitsPerFrame = 256
)

// nalUnit is a NAL unit without start code or length prefix.
type nalUnit struct {
	typ  byte
	data []byte
}

func h264Type(d []byte) byte { return d[0] & 0x1F }

func hevcType(d []byte) byte { return (d[0] >> 1) & 0x3F }

// isAnnexB reports whether data begins with a 3- or 4-byte start code.
func isAnnexB(data []byte) bool {
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return true
	}
	return len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1
}

// splitNALUnits splits a video access unit into NAL units, accepting either
// framing. minNALBytes is 1 for H.264 and 2 for HEVC.
func splitNALUnits(data []byte, minNALBytes int, typeOf func([]byte) byte) []nalUnit {
	if isAnnexB(data) {
		return parseAnnexB(data, minNALBytes, typeOf)
	}
	return parseLengthPrefixed(data, minNALBytes, typeOf)
}

// parseAnnexB scans for start codes and extracts NAL units. Both 3-byte
// (0x000001) and 4-byte (0x00000001) start codes are recognized.
func parseAnnexB(data []byte, minNALBytes int, typeOf func([]byte) byte) []nalUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []nalUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end || end-pos.dataStart < minNALBytes {
			continue
		}
		d := data[pos.dataStart:end]
		units = append(units, nalUnit{typ: typeOf(d), data: d})
	}
	return units
}

// parseLengthPrefixed walks 4-byte big-endian length-prefixed NAL units.
// A length running past the end of data stops the walk.
func parseLengthPrefixed(data []byte, minNALBytes int, typeOf func([]byte) byte) []nalUnit {
	var units []nalUnit
	for len(data) >= lengthPrefixBytes && len(units) < maxNALUnitsPerFrame {
		size := int(binary.BigEndian.Uint32(data))
		data = data[lengthPrefixBytes:]
		if size <= 0 || size > len(data) {
			break
		}
		d := data[:size]
		data = data[size:]
		if len(d) < minNALBytes {
			continue
		}
		units = append(units, nalUnit{typ: typeOf(d), data: d})
	}
	return units
}
