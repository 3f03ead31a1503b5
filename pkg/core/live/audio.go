package live

import (
	"encoding/binary"
	"math"
	"sync"
)

// CalculateRMSEnergy computes the root-mean-square energy of PCM audio.
// Input is assumed to be 16-bit signed little-endian PCM.
// Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		// Normalize to -1.0 to 1.0
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// AudioBuffer accumulates PCM chunks up to a maximum duration. When the
// cap is exceeded the oldest audio is discarded first.
type AudioBuffer struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	config   AudioConfig
}

// NewAudioBuffer creates a buffer that holds up to maxDurationMs of audio.
func NewAudioBuffer(config AudioConfig, maxDurationMs int) *AudioBuffer {
	maxBytes := config.BytesForDurationMs(maxDurationMs)
	return &AudioBuffer{
		data:     make([]byte, 0, maxBytes),
		maxBytes: maxBytes,
		config:   config,
	}
}

// Write appends audio data, trimming from the front past the cap.
func (b *AudioBuffer) Write(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, data...)
	if len(b.data) > b.maxBytes {
		excess := len(b.data) - b.maxBytes
		b.data = b.data[excess:]
	}
}

// Read returns a copy of all buffered audio data.
func (b *AudioBuffer) Read() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]byte, len(b.data))
	copy(result, b.data)
	return result
}

// Len returns the current buffer size in bytes.
func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// DurationMs returns the current buffer duration in milliseconds.
func (b *AudioBuffer) DurationMs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config.DurationMs(len(b.data))
}

// Clear empties the buffer without releasing its capacity.
func (b *AudioBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
}

// RingBuffer keeps the most recent fixed duration of audio. It backs
// the prefix padding that is prepended to each utterance so speech
// onsets clipped by the energy threshold are not lost.
type RingBuffer struct {
	mu       sync.Mutex
	data     []byte
	size     int
	writePos int
	filled   int
}

// NewRingBuffer creates a ring buffer that holds exactly durationMs of audio.
func NewRingBuffer(config AudioConfig, durationMs int) *RingBuffer {
	size := config.BytesForDurationMs(durationMs)
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		data: make([]byte, size),
		size: size,
	}
}

// Write adds data to the ring, overwriting the oldest bytes when full.
func (r *RingBuffer) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Only the trailing size bytes of an oversized chunk can survive.
	if len(data) > r.size {
		data = data[len(data)-r.size:]
	}

	n := copy(r.data[r.writePos:], data)
	if n < len(data) {
		copy(r.data, data[n:])
	}
	r.writePos = (r.writePos + len(data)) % r.size
	if r.filled += len(data); r.filled > r.size {
		r.filled = r.size
	}
}

// Read returns the buffered audio in chronological order.
func (r *RingBuffer) Read() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled < r.size {
		result := make([]byte, r.filled)
		copy(result, r.data[:r.filled])
		return result
	}

	// Full ring: oldest byte sits at writePos.
	result := make([]byte, r.size)
	n := copy(result, r.data[r.writePos:])
	copy(result[n:], r.data[:r.writePos])
	return result
}

// Clear resets the ring buffer.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writePos = 0
	r.filled = 0
}

// Filled returns how many bytes are currently buffered.
func (r *RingBuffer) Filled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}
