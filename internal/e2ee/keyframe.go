package e2ee

import "strings"

// Keyframe detection on encoded video payloads. After a key install the
// receive side watches for the next keyframe to confirm the decoder
// recovered instead of stalling on a mid-GOP frame.

// IsKeyFrame reports whether an encoded video payload begins a keyframe.
// H264 is detected by NAL unit type (IDR or SPS, including STAP-A
// aggregates and starting FU-A fragments); VP8 by a cleared P bit in the
// first partition.
func IsKeyFrame(mimeType string, payload []byte) bool {
	switch strings.ToLower(mimeType) {
	case "video/h264":
		return h264KeyFrame(payload)
	case "video/vp8":
		return vp8KeyFrame(payload)
	default:
		return false
	}
}

func h264KeyFrame(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	naluType := payload[0] & 0x1f

	switch {
	case naluType == 5 || naluType == 7:
		return true

	case naluType >= 1 && naluType <= 23:
		return false

	case naluType == 24:
		// STAP-A: walk the aggregated NAL units.
		offset := 1
		for offset+2 <= len(payload) {
			size := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if size < 1 || offset+size > len(payload) {
				break
			}
			t := payload[offset] & 0x1f
			if t == 5 || t == 7 {
				return true
			}
			offset += size
		}
		return false

	case naluType == 28:
		// FU-A: only the starting fragment carries the real type.
		if len(payload) < 2 {
			return false
		}
		fuHeader := payload[1]
		if fuHeader&0x80 == 0 {
			return false
		}
		t := fuHeader & 0x1f
		return t == 5 || t == 7

	default:
		return false
	}
}

func vp8KeyFrame(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	// Skip the VP8 payload descriptor.
	i := 1
	if payload[0]&0x80 != 0 { // X
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		i++
		if ext&0x80 != 0 { // I: PictureID, 1 or 2 bytes
			if i >= len(payload) {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // L: TL0PICIDX
			i++
		}
		if ext&0x20 != 0 || ext&0x10 != 0 { // T/K: TID/KEYIDX share a byte
			i++
		}
	}

	if i >= len(payload) {
		return false
	}
	return payload[i]&0x01 == 0
}
