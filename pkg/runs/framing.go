/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package runs

// STX/ETX framing for chunked log streaming. STX opens the stream on the
// first chunk; ETX closes it once the phase is terminal and the chunk covers
// the end of the blob. Clients resume by re-requesting from their offset.
const (
	STX = byte(0x02)
	ETX = byte(0x03)
)

// FrameLogChunk slices [offset, offset+limit) out of data and wraps it with
// the stream markers the reader protocol expects.
func FrameLogChunk(data []byte, offset, limit int, phaseDone bool) []byte {
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}
	start := min(offset, len(data))
	end := min(offset+limit, len(data))

	result := make([]byte, 0, end-start+2)
	if offset == 0 {
		result = append(result, STX)
	}
	result = append(result, data[start:end]...)
	if phaseDone && offset+limit >= len(data) {
		result = append(result, ETX)
	}
	return result
}

// FrameMissingLog is the response when the log blob does not exist yet: a
// complete empty stream once the phase is done, otherwise nothing so the
// client keeps polling.
func FrameMissingLog(phaseDone bool) []byte {
	if phaseDone {
		return []byte{STX, ETX}
	}
	return []byte{}
}
