package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Rapheal7/My-Agent/pkg/core"
)

// synthChunkSize is the read granularity for streamed synthesis audio,
// roughly 128ms of 16kHz 16-bit mono PCM.
const synthChunkSize = 4096

// HTTPSynthesizer streams synthesized audio from a piper-style HTTP
// endpoint: POST text, read chunked PCM back.
type HTTPSynthesizer struct {
	name       string
	baseURL    string
	apiKey     string
	voice      string
	sampleRate int
	httpClient *http.Client
}

// SynthesizerOption configures an HTTPSynthesizer.
type SynthesizerOption func(*HTTPSynthesizer)

// WithSynthesizerHTTPClient overrides the HTTP client.
func WithSynthesizerHTTPClient(client *http.Client) SynthesizerOption {
	return func(s *HTTPSynthesizer) { s.httpClient = client }
}

// NewHTTPSynthesizer creates a synthesizer for the given endpoint.
func NewHTTPSynthesizer(name, baseURL, apiKey, voice string, sampleRate int, opts ...SynthesizerOption) *HTTPSynthesizer {
	s := &HTTPSynthesizer{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		voice:      voice,
		sampleRate: sampleRate,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the backend identifier.
func (s *HTTPSynthesizer) Name() string { return s.name }

type synthesisRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// Synthesize posts the reply text and streams back PCM chunks. The
// returned channel closes when the audio ends; cancel ctx to abandon a
// stream early (the remaining body is discarded).
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	body, err := json.Marshal(synthesisRequest{
		Text:       text,
		Voice:      s.voice,
		Encoding:   "pcm_s16le",
		SampleRate: s.sampleRate,
	})
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("marshal synthesis request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("create synthesis request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, callError(s.name, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(s.name, resp.StatusCode, b)
	}

	chunks := make(chan []byte, 32)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		for {
			buf := make([]byte, synthChunkSize)
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return chunks, nil
}

// Probe checks that the endpoint is configured and reachable.
func (s *HTTPSynthesizer) Probe(ctx context.Context) error {
	if s.baseURL == "" {
		return core.NewUnavailableError(s.name, errors.New("no endpoint configured"))
	}
	auth := ""
	if s.apiKey != "" {
		auth = "Bearer " + s.apiKey
	}
	return probeHTTP(ctx, s.httpClient, s.baseURL+"/health", auth)
}
