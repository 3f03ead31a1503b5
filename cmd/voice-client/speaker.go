package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

// ffplaySpeaker pipes pcm_s16le mono audio into an ffplay child
// process. Restart drops buffered audio by cycling the process, which
// is the only reliable flush ffplay offers.
type ffplaySpeaker struct {
	path       string
	sampleRate int
	volume     int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newFFPlaySpeaker(path string, sampleRate, volume int) *ffplaySpeaker {
	if path == "" {
		path = "ffplay"
	}
	if volume <= 0 || volume > 100 {
		volume = 80
	}
	return &ffplaySpeaker{path: path, sampleRate: sampleRate, volume: volume}
}

func (s *ffplaySpeaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *ffplaySpeaker) startLocked() error {
	if s.cmd != nil && s.cmd.Process != nil {
		return nil
	}
	// ffplay rejects ffmpeg-style -ac; channel count goes via -ch_layout.
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-volume", fmt.Sprintf("%d", s.volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", s.sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL sometimes picks a silent dummy backend on macOS.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return err
	}
	s.cmd = cmd
	s.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

func (s *ffplaySpeaker) Write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("ffplay is not running")
	}
	_, err := stdin.Write(pcm)
	return err
}

func (s *ffplaySpeaker) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return s.startLocked()
}

func (s *ffplaySpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *ffplaySpeaker) closeLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
}

// sineTonePCM16LE synthesizes a mono test tone.
func sineTonePCM16LE(freqHz, sampleRateHz int, d time.Duration, amp float64) []byte {
	if sampleRateHz <= 0 || d <= 0 || freqHz <= 0 {
		return nil
	}
	if amp <= 0 || amp > 1.0 {
		amp = 0.2
	}
	samples := int(float64(sampleRateHz) * d.Seconds())
	if samples <= 0 {
		samples = 1
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRateHz)
		v := amp * math.Sin(2*math.Pi*float64(freqHz)*t)
		sample := int16(v * 32767.0)
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}
