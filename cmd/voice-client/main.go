// Command voice-client is a terminal client for the voice agent
// gateway. It drives a live session over WebSocket: typed text in a
// REPL, or pcm_s16le audio streamed from a file or a generated test
// tone, with agent replies played through ffplay.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	voiceagent "github.com/Rapheal7/My-Agent/sdk"
)

type options struct {
	gateway    string
	apiKey     string
	textOnly   bool
	audioFile  string
	tone       time.Duration
	sampleRate int
	binary     bool
	debug      bool

	noSpeaker  bool
	ffplayPath string
	volume     int
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("voice-client", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.gateway, "gateway", "http://localhost:8080", "gateway base URL")
	fs.StringVar(&opts.apiKey, "api-key", os.Getenv("VOICE_AGENT_API_KEY"), "API key (defaults to VOICE_AGENT_API_KEY)")
	fs.BoolVar(&opts.textOnly, "text", false, "text-only session: type turns instead of speaking")
	fs.StringVar(&opts.audioFile, "audio-file", "", "stream a raw pcm_s16le mono file as the utterance")
	fs.DurationVar(&opts.tone, "tone", 0, "stream a generated 440Hz test tone of this duration")
	fs.IntVar(&opts.sampleRate, "rate", 16000, "capture sample rate in Hz")
	fs.BoolVar(&opts.binary, "binary", false, "use the binary audio transport")
	fs.BoolVar(&opts.debug, "debug", false, "print state changes and server debug events")
	fs.BoolVar(&opts.noSpeaker, "no-speaker", false, "discard reply audio instead of playing it")
	fs.StringVar(&opts.ffplayPath, "ffplay", "ffplay", "path to the ffplay binary")
	fs.IntVar(&opts.volume, "volume", 80, "ffplay volume (0-100)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.sampleRate <= 0 {
		return options{}, errors.New("-rate must be > 0")
	}
	if opts.audioFile != "" && opts.tone > 0 {
		return options{}, errors.New("-audio-file and -tone are mutually exclusive")
	}
	return opts, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(runMain(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "voice-client: %v\n", err)
		return 2
	}
	if err := run(ctx, opts, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "voice-client: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, opts options, stdout, stderr io.Writer) error {
	client := voiceagent.NewClient(opts.gateway, voiceagent.WithAPIKey(opts.apiKey))

	sess, err := client.DialVoice(ctx, voiceagent.VoiceOptions{
		TextOnly:     opts.textOnly,
		SampleRateHz: opts.sampleRate,
		BinaryAudio:  opts.binary,
		WantDebug:    opts.debug,
		ClientName:   "voice-client",
	})
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer sess.Close()

	fmt.Fprintf(stdout, "session %s started (mode %s)\n", sess.SessionID(), sess.Mode())

	var speaker *ffplaySpeaker
	if !opts.noSpeaker && !opts.textOnly {
		speaker = newFFPlaySpeaker(opts.ffplayPath, opts.sampleRate, opts.volume)
		if err := speaker.Start(); err != nil {
			fmt.Fprintf(stderr, "speaker unavailable, replies will be text only: %v\n", err)
			speaker = nil
		} else {
			defer speaker.Close()
		}
	}

	eventsDone := make(chan error, 1)
	go func() { eventsDone <- eventLoop(sess, speaker, stdout, stderr, opts.debug) }()

	switch {
	case opts.audioFile != "":
		pcm, err := os.ReadFile(opts.audioFile)
		if err != nil {
			return fmt.Errorf("read audio file: %w", err)
		}
		go streamAudio(ctx, sess, pcm, opts.sampleRate, stderr)
	case opts.tone > 0:
		pcm := sineTonePCM16LE(440, opts.sampleRate, opts.tone, 0.2)
		go streamAudio(ctx, sess, pcm, opts.sampleRate, stderr)
	default:
		go repl(ctx, sess, stdout, stderr)
	}

	select {
	case <-ctx.Done():
		// Graceful goodbye: ask the server to close, then give the
		// terminal event a moment to arrive.
		_ = sess.EndSession()
		select {
		case err := <-eventsDone:
			return err
		case <-time.After(3 * time.Second):
			return nil
		}
	case err := <-eventsDone:
		return err
	}
}

// eventLoop renders session events until the channel closes. A failed
// session is the only error outcome.
func eventLoop(sess *voiceagent.VoiceSession, speaker *ffplaySpeaker, stdout, stderr io.Writer, debug bool) error {
	var failure error
	for ev := range sess.Events() {
		switch ev.Type {
		case voiceagent.EventTranscript:
			fmt.Fprintf(stdout, "you: %s\n", ev.Text)
		case voiceagent.EventReply:
			if ev.Canned {
				fmt.Fprintf(stdout, "agent (canned): %s\n", ev.Text)
			} else {
				fmt.Fprintf(stdout, "agent: %s\n", ev.Text)
			}
		case voiceagent.EventNoSpeech:
			fmt.Fprintln(stdout, "(nothing intelligible was heard)")
		case voiceagent.EventBackchannel:
			fmt.Fprintf(stdout, "agent (ack): %s\n", ev.Text)
			if speaker != nil && len(ev.Audio) > 0 {
				_ = speaker.Write(ev.Audio)
			}
		case voiceagent.EventAudioDelta:
			if speaker != nil {
				_ = speaker.Write(ev.Audio)
			}
		case voiceagent.EventAudioFlush:
			// Barge-in: drop whatever is queued in the player.
			if speaker != nil {
				_ = speaker.Restart()
			}
		case voiceagent.EventTurnSuperseded:
			fmt.Fprintln(stdout, "(interrupted)")
		case voiceagent.EventTurnFailed:
			fmt.Fprintf(stderr, "turn failed: %s (%s)\n", ev.Message, ev.Code)
		case voiceagent.EventWarning:
			fmt.Fprintf(stderr, "warning: %s (%s)\n", ev.Message, ev.Code)
		case voiceagent.EventError:
			fmt.Fprintf(stderr, "error: %s (%s)\n", ev.Message, ev.Code)
		case voiceagent.EventReconnecting:
			fmt.Fprintf(stderr, "connection lost, reconnecting (attempt %d)...\n", ev.Attempt)
		case voiceagent.EventResumed:
			fmt.Fprintln(stderr, "session resumed")
		case voiceagent.EventStateChanged:
			if debug {
				fmt.Fprintf(stderr, "[state] %s -> %s\n", ev.From, ev.To)
			}
		case voiceagent.EventDebug:
			if debug {
				fmt.Fprintf(stderr, "[%s] %s\n", ev.Category, ev.Message)
			}
		case voiceagent.EventSessionClosed:
			fmt.Fprintf(stdout, "session closed (%s)\n", ev.Reason)
		case voiceagent.EventSessionFailed:
			failure = fmt.Errorf("session failed: %s (%s)", ev.Message, ev.Code)
			fmt.Fprintf(stderr, "%v\n", failure)
		}
	}
	return failure
}

// repl reads stdin lines and submits them as text turns. Slash
// commands map to session controls.
func repl(ctx context.Context, sess *voiceagent.VoiceSession, stdout, stderr io.Writer) {
	fmt.Fprintln(stdout, `type to talk; "/interrupt" barges in, "/end" hangs up`)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var err error
		switch line {
		case "/interrupt":
			err = sess.Interrupt()
		case "/end":
			err = sess.EndSession()
		default:
			err = sess.SendText(line)
		}
		if err != nil {
			fmt.Fprintf(stderr, "send: %v\n", err)
			if errors.Is(err, voiceagent.ErrSessionClosed) {
				return
			}
		}
	}
}

// streamAudio paces pcm over the session in real-time frames, then
// goes quiet so server-side endpointing can commit the utterance.
func streamAudio(ctx context.Context, sess *voiceagent.VoiceSession, pcm []byte, sampleRate int, stderr io.Writer) {
	frames := splitFrames(pcm, sampleRate, 20*time.Millisecond)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for _, frame := range frames {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := sess.SendAudio(frame); err != nil {
			if errors.Is(err, voiceagent.ErrReconnecting) {
				// Live audio is not worth replaying; skip the gap.
				continue
			}
			fmt.Fprintf(stderr, "send audio: %v\n", err)
			return
		}
	}
}

// splitFrames chops pcm_s16le mono audio into fixed-duration frames.
// The last frame keeps its remainder.
func splitFrames(pcm []byte, sampleRate int, frame time.Duration) [][]byte {
	if len(pcm) == 0 || sampleRate <= 0 || frame <= 0 {
		return nil
	}
	bytesPerFrame := int(int64(sampleRate) * 2 * int64(frame) / int64(time.Second))
	if bytesPerFrame <= 0 {
		bytesPerFrame = 2
	}
	if bytesPerFrame%2 == 1 {
		bytesPerFrame++
	}
	var out [][]byte
	for off := 0; off < len(pcm); off += bytesPerFrame {
		end := off + bytesPerFrame
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[off:end])
	}
	return out
}
