// Package hls turns an HTTP Live Streaming manifest into a sequential byte
// stream for the demuxer.
//
// [Open] fetches the manifest. A master manifest yields its variants
// resolved against the manifest URL and ordered by descending bandwidth,
// with the highest selected. A media manifest is treated as a single
// implicit variant. [Reader.Read] then polls the selected variant's media
// playlist, fetches each unseen segment in playlist order and blocks until
// the caller's buffer can be filled completely. Live playlists are re-polled
// every [Config.PollInterval] while no new segment is available; a closed
// (ENDLIST) playlist ends with io.EOF once every segment has been read.
package hls
