package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DarkNoah/aime-chat-sub001/internal/cachemanager"
	"github.com/DarkNoah/aime-chat-sub001/internal/log"
	"github.com/DarkNoah/aime-chat-sub001/internal/rpc"
)

const (
	defaultAudioExt    = ".wav"
	defaultOutputType  = "txt"
	defaultTTSLanguage = "English"
	defaultSampleRate  = 24000

	// OutputASR returns the raw recognition result instead of plain text.
	OutputASR = "asr"

	// darwinBackend is the only backend that runs on Apple silicon.
	darwinBackend = "mlx-audio"

	healthKey = "audio"

	// DefaultHealthTTL is how long a successful ping is reused.
	DefaultHealthTTL = 30 * time.Second
)

// TranscribeOptions tunes a transcription. Zero values use the worker's
// defaults.
type TranscribeOptions struct {
	// Ext is the audio file extension, with or without the dot. Default ".wav".
	Ext        string
	Model      string
	Backend    string
	Device     string
	DType      string
	Language   string
	OutputType string

	// Timeout overrides the client's default call timeout.
	Timeout time.Duration
}

// Transcription is the result of a transcription.
type Transcription struct {
	Text   string
	Result json.RawMessage
}

// TTSOptions describes speech to synthesize.
type TTSOptions struct {
	Text       string
	Language   string
	Voice      string
	Instruct   string
	RefAudio   string
	RefText    string
	Model      string
	OutputPath string
}

// Speech is the result of a synthesis.
type Speech struct {
	OutputPath string
	SampleRate int
	Duration   float64
	Model      string
}

type predictParams struct {
	AudioPath        string  `json:"audio_path"`
	Model            string  `json:"model,omitempty"`
	Backend          string  `json:"backend,omitempty"`
	Device           string  `json:"device,omitempty"`
	DType            string  `json:"dtype,omitempty"`
	Language         *string `json:"language"`
	ReturnTimeStamps bool    `json:"return_time_stamps"`
	OutputType       string  `json:"output_type"`
}

type ttsParams struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	Voice      string `json:"voice,omitempty"`
	Instruct   string `json:"instruct,omitempty"`
	RefAudio   string `json:"ref_audio,omitempty"`
	RefText    string `json:"ref_text,omitempty"`
	Model      string `json:"model,omitempty"`
	OutputPath string `json:"output_path"`
}

type ttsResult struct {
	OutputPath string  `json:"output_path"`
	SampleRate int     `json:"sample_rate"`
	Duration   float64 `json:"duration"`
	Model      string  `json:"model"`
}

// AudioOption configures an Audio service.
type AudioOption func(*Audio)

// WithHealthTTL sets how long Health reuses a successful ping.
func WithHealthTTL(d time.Duration) AudioOption {
	return func(a *Audio) {
		a.healthTTL = d
	}
}

// WithGOOS overrides the platform used to pick the backend.
func WithGOOS(goos string) AudioOption {
	return func(a *Audio) {
		a.goos = goos
	}
}

// Audio talks to the speech worker.
type Audio struct {
	caller    Caller
	tempDir   string
	goos      string
	healthTTL time.Duration
	health    *cachemanager.ReadThroughCache[string, json.RawMessage, struct{}]
}

// NewAudio creates an audio service. Audio to transcribe is staged as files
// under tempDir, which the worker must be able to read.
func NewAudio(caller Caller, tempDir string, opts ...AudioOption) *Audio {
	a := &Audio{
		caller:    caller,
		tempDir:   tempDir,
		goos:      runtime.GOOS,
		healthTTL: DefaultHealthTTL,
	}
	for _, opt := range opts {
		opt(a)
	}
	cache := cachemanager.NewInMemoryCacheManager[string, json.RawMessage](
		"audio-health", a.healthTTL, cachemanager.DefaultCleanupInterval)
	a.health = cachemanager.NewReadThroughCache[string, json.RawMessage, struct{}](cache, func(ctx context.Context, _ struct{}) (json.RawMessage, error) {
		return a.Ping(ctx)
	}, false)
	return a
}

// Transcribe turns audio into text. The audio is written to a uniquely named
// temp file for the duration of the call and removed afterwards.
func (a *Audio) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (Transcription, error) {
	ext := opts.Ext
	switch {
	case ext == "":
		ext = defaultAudioExt
	case !strings.HasPrefix(ext, "."):
		ext = "." + ext
	}

	if err := os.MkdirAll(a.tempDir, 0o750); err != nil {
		return Transcription{}, fmt.Errorf("creating audio temp dir: %w", err)
	}
	audioPath := filepath.Join(a.tempDir, uuid.NewString()+ext)
	if err := os.WriteFile(audioPath, audio, 0o600); err != nil {
		return Transcription{}, fmt.Errorf("writing audio file: %w", err)
	}
	defer func() {
		if err := os.Remove(audioPath); err != nil && !os.IsNotExist(err) {
			log.Warn(log.CatService, "Failed to remove audio file", "path", audioPath, "error", err)
		}
	}()

	outputType := opts.OutputType
	if outputType == "" {
		outputType = defaultOutputType
	}
	backend := opts.Backend
	if a.goos == "darwin" {
		backend = darwinBackend
	}
	params := predictParams{
		AudioPath:        audioPath,
		Model:            opts.Model,
		Backend:          backend,
		Device:           opts.Device,
		DType:            opts.DType,
		ReturnTimeStamps: true,
		OutputType:       outputType,
	}
	if opts.Language != "" {
		params.Language = &opts.Language
	}

	var callOpts []rpc.CallOption
	if opts.Timeout > 0 {
		callOpts = append(callOpts, rpc.WithTimeout(opts.Timeout))
	}

	log.Debug(log.CatService, "Transcribing audio", "bytes", len(audio), "ext", ext, "output", outputType)
	raw, err := a.caller.Call(ctx, MethodPredict, params, callOpts...)
	if err != nil {
		return Transcription{}, fmt.Errorf("transcribe: %w", err)
	}

	if outputType == OutputASR {
		var pretty any
		if err := json.Unmarshal(raw, &pretty); err != nil {
			return Transcription{}, fmt.Errorf("decoding transcription: %w", err)
		}
		text, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return Transcription{}, fmt.Errorf("encoding transcription: %w", err)
		}
		return Transcription{Text: string(text), Result: raw}, nil
	}

	var result struct {
		Text string `json:"text"`
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &result); err != nil {
			return Transcription{}, fmt.Errorf("decoding transcription: %w", err)
		}
	}
	return Transcription{Text: result.Text, Result: raw}, nil
}

// Synthesize renders text to speech into opts.OutputPath.
func (a *Audio) Synthesize(ctx context.Context, opts TTSOptions) (Speech, error) {
	if opts.Text == "" {
		return Speech{}, fmt.Errorf("synthesize: text is required")
	}
	language := opts.Language
	if language == "" {
		language = defaultTTSLanguage
	}

	raw, err := a.caller.Call(ctx, MethodTTS, ttsParams{
		Text:       opts.Text,
		Language:   language,
		Voice:      opts.Voice,
		Instruct:   opts.Instruct,
		RefAudio:   opts.RefAudio,
		RefText:    opts.RefText,
		Model:      opts.Model,
		OutputPath: opts.OutputPath,
	})
	if err != nil {
		return Speech{}, fmt.Errorf("synthesize: %w", err)
	}

	var result ttsResult
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &result); err != nil {
			return Speech{}, fmt.Errorf("decoding speech: %w", err)
		}
	}

	speech := Speech{
		OutputPath: result.OutputPath,
		SampleRate: result.SampleRate,
		Duration:   result.Duration,
		Model:      result.Model,
	}
	if speech.OutputPath == "" {
		speech.OutputPath = opts.OutputPath
	}
	if speech.SampleRate == 0 {
		speech.SampleRate = defaultSampleRate
	}
	return speech, nil
}

// Ping asks the worker for its status.
func (a *Audio) Ping(ctx context.Context) (json.RawMessage, error) {
	raw, err := a.caller.Call(ctx, MethodPing, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return raw, nil
}

// Health is Ping with successful answers reused for the health TTL.
func (a *Audio) Health(ctx context.Context) (json.RawMessage, error) {
	return a.health.Get(ctx, healthKey, struct{}{}, a.healthTTL)
}

// InvalidateHealth forgets the cached ping, e.g. after the worker restarted.
func (a *Audio) InvalidateHealth(ctx context.Context) error {
	return a.health.Invalidate(ctx, healthKey)
}
