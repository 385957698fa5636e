package audio

import (
	"fmt"
	"time"
)

// MPEG version indexes from the frame header version bits.
const (
	mpegVersion25 = 0
	mpegVersion2  = 2
	mpegVersion1  = 3
)

// Layer III bitrates in kbit/s, indexed by the header bitrate field.
var (
	bitratesV1 = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320}
	bitratesV2 = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160}
)

// Sample rates in Hz, indexed by MPEG version then the header field.
var sampleRates = map[int][3]int{
	mpegVersion1:  {44100, 48000, 32000},
	mpegVersion2:  {22050, 24000, 16000},
	mpegVersion25: {11025, 12000, 8000},
}

// MP3Duration computes the play time of Layer III audio by walking the
// frame headers and summing per-frame durations. This handles variable
// bitrate streams, which a single bitrate estimate would misreport.
func MP3Duration(data []byte) (time.Duration, error) {
	pos := skipID3v2(data)

	var total time.Duration
	frames := 0

	for pos+4 <= len(data) {
		if data[pos] != 0xFF || data[pos+1]&0xE0 != 0xE0 {
			// Resync after garbage or trailing tags.
			pos++
			continue
		}

		frameLen, frameDur, ok := parseFrameHeader(data[pos:])
		if !ok {
			pos++
			continue
		}

		total += frameDur
		frames++
		pos += frameLen
	}

	if frames == 0 {
		return 0, fmt.Errorf("no MPEG audio frames found")
	}
	return total, nil
}

// parseFrameHeader decodes a 4-byte Layer III frame header, returning the
// frame length in bytes and its play duration.
func parseFrameHeader(b []byte) (int, time.Duration, bool) {
	version := int(b[1] >> 3 & 0x03)
	layer := int(b[1] >> 1 & 0x03)
	if version == 1 || layer != 1 {
		// Reserved version or not Layer III.
		return 0, 0, false
	}

	bitrateIdx := int(b[2] >> 4 & 0x0F)
	sampleIdx := int(b[2] >> 2 & 0x03)
	padding := int(b[2] >> 1 & 0x01)

	if bitrateIdx == 0 || bitrateIdx == 15 || sampleIdx == 3 {
		return 0, 0, false
	}

	var bitrate, samplesPerFrame int
	if version == mpegVersion1 {
		bitrate = bitratesV1[bitrateIdx] * 1000
		samplesPerFrame = 1152
	} else {
		bitrate = bitratesV2[bitrateIdx] * 1000
		samplesPerFrame = 576
	}
	sampleRate := sampleRates[version][sampleIdx]

	frameLen := samplesPerFrame / 8 * bitrate / sampleRate
	if padding == 1 {
		frameLen++
	}
	if frameLen < 4 {
		return 0, 0, false
	}

	frameDur := time.Duration(samplesPerFrame) * time.Second / time.Duration(sampleRate)
	return frameLen, frameDur, true
}

// skipID3v2 returns the offset past a leading ID3v2 tag, if present.
func skipID3v2(data []byte) int {
	if len(data) < 10 || string(data[:3]) != "ID3" {
		return 0
	}
	// Tag size is a 28-bit synchsafe integer.
	size := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)
	end := 10 + size
	if end > len(data) {
		return 0
	}
	return end
}
