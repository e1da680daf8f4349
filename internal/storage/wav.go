package storage

import "encoding/binary"

// Recording format of captured microphone audio.
const (
	RecordingSampleRate = 16000
	RecordingChannels   = 1
	bitsPerSample       = 16
	wavHeaderSize       = 44
)

// EncodeWAV wraps raw 16-bit signed little-endian PCM in a RIFF/WAV
// container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[wavHeaderSize:], pcm)

	return buf
}

// WAVPayload returns the PCM data of a WAV produced by [EncodeWAV], or nil if
// data is too short to hold a header.
func WAVPayload(data []byte) []byte {
	if len(data) < wavHeaderSize {
		return nil
	}
	return data[wavHeaderSize:]
}
