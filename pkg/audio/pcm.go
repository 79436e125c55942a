// Package audio holds the sample-level building blocks of the streaming
// pipeline: the capture [Framer], the playback [Ring] and PCM conversion
// helpers.
//
// All PCM in this package is signed 16-bit mono. The types here know nothing
// about codecs or transports; they are shared by the session layer and by the
// hardware device adapter.
package audio

import "time"

// Format describes the sample rate and frame size of a PCM stream.
type Format struct {
	SampleRate int
	FrameSize  int
}

// FrameDuration returns the wall-clock duration of one frame.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameSize) * time.Second / time.Duration(f.SampleRate)
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	PutInt16s(b, pcm)
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	ReadInt16s(pcm, b)
	return pcm
}

// PutInt16s encodes pcm into dst as little-endian int16 pairs and returns the
// number of samples written. It never allocates.
func PutInt16s(dst []byte, pcm []int16) int {
	n := min(len(pcm), len(dst)/2)
	for i := range n {
		s := pcm[i]
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
	return n
}

// ReadInt16s decodes little-endian int16 pairs from src into dst and returns
// the number of samples decoded. It never allocates.
func ReadInt16s(dst []int16, src []byte) int {
	n := min(len(dst), len(src)/2)
	for i := range n {
		dst[i] = int16(src[i*2]) | int16(src[i*2+1])<<8
	}
	return n
}

// Silence returns a zeroed frame of n samples.
func Silence(n int) []int16 {
	return make([]int16, n)
}
