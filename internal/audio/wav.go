package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// WAVDuration computes the play time of RIFF/WAVE audio from the fmt
// chunk byte rate and the data chunk size.
func WAVDuration(data []byte) (time.Duration, error) {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var byteRate uint32
	var dataSize uint32
	haveFmt, haveData := false, false

	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkSize := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		body := pos + 8

		switch chunkID {
		case "fmt ":
			if body+16 > len(data) {
				return 0, fmt.Errorf("truncated fmt chunk")
			}
			byteRate = binary.LittleEndian.Uint32(data[body+8 : body+12])
			haveFmt = true
		case "data":
			dataSize = chunkSize
			haveData = true
		}

		// Chunks are word aligned.
		pos = body + int(chunkSize)
		if chunkSize%2 == 1 {
			pos++
		}
	}

	if !haveFmt || !haveData {
		return 0, fmt.Errorf("missing fmt or data chunk")
	}
	if byteRate == 0 {
		return 0, fmt.Errorf("fmt chunk has zero byte rate")
	}

	return time.Duration(dataSize) * time.Second / time.Duration(byteRate), nil
}

// isWAV reports whether the data starts with a RIFF/WAVE signature.
func isWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}
