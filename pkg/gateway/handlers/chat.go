package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core"
	"github.com/Rapheal7/My-Agent/pkg/core/backends"
	"github.com/Rapheal7/My-Agent/pkg/core/modes"
	"github.com/Rapheal7/My-Agent/pkg/gateway/apierror"
	"github.com/Rapheal7/My-Agent/pkg/gateway/config"
	"github.com/Rapheal7/My-Agent/pkg/gateway/metrics"
	"github.com/Rapheal7/My-Agent/pkg/gateway/mw"
	"github.com/Rapheal7/My-Agent/pkg/gateway/sse"
)

// ChatHandler serves POST /v1/chat: a single text turn against the same
// mode chain the voice surface uses, without a session. Useful for
// smoke tests and text-only clients that do not want a WebSocket.
type ChatHandler struct {
	Config   config.Config
	Registry *modes.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// SelectMode overrides mode selection in tests.
	SelectMode func(ctx context.Context) modes.Selection
}

type chatRequest struct {
	Text    string              `json:"text"`
	History []backends.Exchange `json:"history,omitempty"`
	Stream  bool                `json:"stream,omitempty"`
}

type chatResponse struct {
	Reply string `json:"reply"`
	Mode  string `json:"mode"`
}

type chatDelta struct {
	Text string `json:"text"`
}

func (h ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodPost {
		apierror.WriteError(w, http.StatusMethodNotAllowed, &core.Error{
			Type:      core.ErrInvalidRequest,
			Message:   "method not allowed",
			Code:      "method_not_allowed",
			RequestID: reqID,
		})
		return
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.Config.Transport.MaxJSONMessageBytes))
	dec.DisallowUnknownFields()
	var req chatRequest
	if err := dec.Decode(&req); err != nil {
		apierror.Write(w, reqID, core.NewInvalidRequestError("invalid request body"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		apierror.Write(w, reqID, core.NewInvalidRequestErrorWithParam("text must not be empty", "text"))
		return
	}

	sel, selErr := h.selection(r.Context(), strings.TrimSpace(r.Header.Get("X-Mode")))
	if selErr != nil {
		apierror.Write(w, reqID, selErr)
		return
	}
	llm := sel.Chain.LLM
	if llm == nil {
		apierror.Write(w, reqID, core.NewUnavailableError(string(sel.Mode), errors.New("no responder in chain")))
		return
	}
	if h.Logger != nil {
		h.Logger.Debug("chat turn",
			"request_id", reqID, "mode", sel.Mode, "stream", req.Stream)
	}

	stage := h.Config.Session.StageTimeout
	if stage <= 0 {
		stage = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), stage)
	defer cancel()

	if req.Stream {
		h.serveStream(ctx, w, reqID, sel, llm, req)
		return
	}

	start := time.Now()
	reply, err := llm.Complete(ctx, req.History, req.Text)
	h.recordBackend(llm.Name(), time.Since(start), err)
	if err != nil {
		apierror.Write(w, reqID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatResponse{Reply: reply, Mode: string(sel.Mode)})
}

func (h ChatHandler) serveStream(ctx context.Context, w http.ResponseWriter, reqID string, sel modes.Selection, llm backends.Completer, req chatRequest) {
	sw, err := sse.New(w)
	if err != nil {
		apierror.Write(w, reqID, core.NewInternalError("response writer does not support streaming"))
		return
	}

	start := time.Now()
	streamer, ok := llm.(backends.StreamingCompleter)
	if !ok {
		reply, err := llm.Complete(ctx, req.History, req.Text)
		h.recordBackend(llm.Name(), time.Since(start), err)
		if err != nil {
			_ = sw.Send("error", apierror.Envelope{Error: core.AsError(err)})
			return
		}
		_ = sw.Send("reply.delta", chatDelta{Text: reply})
		_ = sw.Send("reply.completed", chatResponse{Reply: reply, Mode: string(sel.Mode)})
		return
	}

	ch, err := streamer.CompleteStream(ctx, req.History, req.Text)
	if err != nil {
		h.recordBackend(llm.Name(), time.Since(start), err)
		_ = sw.Send("error", apierror.Envelope{Error: core.AsError(err)})
		return
	}

	var reply strings.Builder
	for delta := range ch {
		if sw.Send("reply.delta", chatDelta{Text: delta}) != nil {
			// Client went away; drain so the backend goroutine exits.
			for range ch {
			}
			return
		}
		reply.WriteString(delta)
	}
	h.recordBackend(llm.Name(), time.Since(start), ctx.Err())

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		_ = sw.Send("error", apierror.Envelope{Error: core.NewTimeoutError(llm.Name())})
		return
	}
	if ctx.Err() != nil {
		return
	}
	_ = sw.Send("reply.completed", chatResponse{Reply: reply.String(), Mode: string(sel.Mode)})
}

// selection picks the text chain. An X-Mode header pins a specific
// registered text mode instead of walking the priority order.
func (h ChatHandler) selection(ctx context.Context, forced string) (modes.Selection, *core.Error) {
	if forced != "" {
		return h.forcedSelection(ctx, forced)
	}
	if h.SelectMode != nil {
		return h.SelectMode(ctx), nil
	}
	reg := modes.NewRegistry()
	if h.Registry != nil {
		for _, d := range h.Registry.Descriptors() {
			if d.TextInput {
				reg.Register(d)
			}
		}
	}
	return modes.Select(ctx, reg, h.Config.Backends.ProbeTimeout), nil
}

func (h ChatHandler) forcedSelection(ctx context.Context, forced string) (modes.Selection, *core.Error) {
	if forced == string(modes.ModeTextOnly) {
		return modes.Selection{
			Mode:      modes.ModeTextOnly,
			Chain:     backends.Chain{LLM: backends.NewOfflineResponder()},
			TextInput: true,
		}, nil
	}
	if h.Registry == nil {
		return modes.Selection{}, core.NewInvalidRequestErrorWithParam("unknown mode "+forced, "X-Mode")
	}
	for _, d := range h.Registry.Descriptors() {
		if string(d.Mode) != forced {
			continue
		}
		if !d.TextInput {
			return modes.Selection{}, core.NewInvalidRequestErrorWithParam("mode "+forced+" does not accept text input", "X-Mode")
		}
		if d.Prober != nil {
			perProbe := h.Config.Backends.ProbeTimeout
			if perProbe <= 0 {
				perProbe = modes.DefaultProbeTimeout
			}
			probeCtx, cancel := context.WithTimeout(ctx, perProbe)
			err := d.Prober.Probe(probeCtx)
			cancel()
			if err != nil {
				return modes.Selection{}, core.NewUnavailableError(string(d.Mode), err)
			}
		}
		return modes.Selection{
			Mode:        d.Mode,
			Chain:       d.Chain,
			Backchannel: d.Backchannel,
			TextInput:   true,
			Prober:      d.Prober,
		}, nil
	}
	return modes.Selection{}, core.NewInvalidRequestErrorWithParam("unknown mode "+forced, "X-Mode")
}

func (h ChatHandler) recordBackend(name string, d time.Duration, err error) {
	if h.Metrics != nil {
		h.Metrics.RecordBackendCall(name, "llm", d, err)
	}
}
