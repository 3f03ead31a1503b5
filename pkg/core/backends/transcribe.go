package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/Rapheal7/My-Agent/pkg/core"
)

// HTTPTranscriber submits one buffered utterance to a whisper-style HTTP
// transcription endpoint as a multipart form and returns the text.
type HTTPTranscriber struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	sampleRate int
	httpClient *http.Client
}

// TranscriberOption configures an HTTPTranscriber.
type TranscriberOption func(*HTTPTranscriber)

// WithTranscriberHTTPClient overrides the HTTP client.
func WithTranscriberHTTPClient(client *http.Client) TranscriberOption {
	return func(t *HTTPTranscriber) { t.httpClient = client }
}

// NewHTTPTranscriber creates a transcriber for the given endpoint. The
// sample rate describes the PCM the orchestrator captures (16-bit LE mono).
func NewHTTPTranscriber(name, baseURL, apiKey, model string, sampleRate int, opts ...TranscriberOption) *HTTPTranscriber {
	t := &HTTPTranscriber{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		sampleRate: sampleRate,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the backend identifier.
func (t *HTTPTranscriber) Name() string { return t.name }

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe posts the utterance PCM and returns the transcript text.
// An empty transcript is not an error; the caller routes it.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "utterance.pcm")
	if err != nil {
		return "", core.NewInternalError(fmt.Sprintf("create form file: %v", err))
	}
	if _, err := fw.Write(pcm); err != nil {
		return "", core.NewInternalError(fmt.Sprintf("write audio data: %v", err))
	}
	if t.model != "" {
		if err := mw.WriteField("model", t.model); err != nil {
			return "", core.NewInternalError(fmt.Sprintf("write model field: %v", err))
		}
	}
	if err := mw.WriteField("encoding", "pcm_s16le"); err != nil {
		return "", core.NewInternalError(fmt.Sprintf("write encoding field: %v", err))
	}
	if err := mw.WriteField("sample_rate", strconv.Itoa(t.sampleRate)); err != nil {
		return "", core.NewInternalError(fmt.Sprintf("write sample_rate field: %v", err))
	}
	if err := mw.Close(); err != nil {
		return "", core.NewInternalError(fmt.Sprintf("close multipart writer: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/transcribe", &buf)
	if err != nil {
		return "", core.NewInternalError(fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", callError(t.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body := make([]byte, 0, 512)
		b := make([]byte, 512)
		if n, _ := resp.Body.Read(b); n > 0 {
			body = b[:n]
		}
		return "", statusError(t.name, resp.StatusCode, body)
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", core.NewProtocolError(t.name, fmt.Sprintf("malformed transcription response: %v", err))
	}
	return strings.TrimSpace(tr.Text), nil
}

// Probe checks that the endpoint is configured and reachable.
func (t *HTTPTranscriber) Probe(ctx context.Context) error {
	if t.baseURL == "" {
		return core.NewUnavailableError(t.name, errors.New("no endpoint configured"))
	}
	auth := ""
	if t.apiKey != "" {
		auth = "Bearer " + t.apiKey
	}
	return probeHTTP(ctx, t.httpClient, t.baseURL+"/health", auth)
}
