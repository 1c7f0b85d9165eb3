// Package captions extracts CEA-608 and CEA-708 closed captions carried in
// H.264 and HEVC SEI messages. Video packets may use Annex B start codes or
// 4-byte length-prefixed framing (as produced by MP4 and Matroska demuxers).
package captions
