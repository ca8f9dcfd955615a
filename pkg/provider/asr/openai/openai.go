// Package openai provides an ASR provider backed by the OpenAI audio
// transcription API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/okarlsen/dictare/pkg/provider/asr"
)

// providerName is the identifier used in configuration and session records.
const providerName = "openai"

// Compile-time interface assertion.
var _ asr.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// API-compatible gateways and for tests.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout in addition to whatever
// deadline the caller's context carries.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements asr.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	hasKey bool
}

// New constructs an OpenAI ASR Provider. An empty apiKey is permitted so the
// daemon can boot without a credential; Transcribe then fails with a
// missing-API-key classification, which the pipeline treats as one more
// reason to fall back.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		hasKey: apiKey != "",
	}, nil
}

// Name returns "openai".
func (p *Provider) Name() string { return providerName }

// RequiresFLACUpload reports true: the upload size limit makes FLAC-encoded
// audio the expected input, and the surrounding capture code converts before
// the pipeline runs.
func (p *Provider) RequiresFLACUpload() bool { return true }

// Transcribe uploads the audio artifact and returns the transcript.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) (asr.Response, error) {
	if !p.hasKey {
		return asr.Response{}, &asr.ProviderError{
			Provider: providerName,
			Kind:     asr.KindMissingAPIKey,
			Message:  "no API key configured",
		}
	}

	f, err := os.Open(req.AudioPath)
	if err != nil {
		return asr.Response{}, &asr.ProviderError{
			Provider: providerName,
			Kind:     asr.KindTerminal,
			Message:  fmt.Sprintf("open audio %q: %v", req.AudioPath, err),
			Err:      err,
		}
	}
	defer f.Close()

	model := req.Model
	if model == "" {
		model = p.model
	}

	params := oai.AudioTranscriptionNewParams{
		File:  f,
		Model: oai.AudioModel(model),
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}
	if req.Prompt != "" {
		params.Prompt = oai.String(req.Prompt)
	}

	start := time.Now()
	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return asr.Response{}, classifyAPIError(err)
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		return asr.Response{}, &asr.ProviderError{
			Provider: providerName,
			Kind:     asr.KindInvalidResponse,
			Message:  "transcription response contained no text",
		}
	}
	return asr.Response{Text: text, Duration: time.Since(start)}, nil
}

// CheckHealth issues a lightweight model listing to verify reachability and
// credentials. Never touches session state and makes no billable call.
func (p *Provider) CheckHealth(ctx context.Context, timeout time.Duration) bool {
	if !p.hasKey {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := p.client.Models.List(probeCtx)
	return err == nil
}

// classifyAPIError maps an openai-go error into the provider error taxonomy.
func classifyAPIError(err error) *asr.ProviderError {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		pe := &asr.ProviderError{
			Provider: providerName,
			Kind:     asr.ClassifyStatus(apierr.StatusCode),
			Code:     apierr.StatusCode,
			Message:  apierr.Message,
			Err:      err,
		}
		return pe
	}
	return asr.Classify(providerName, err)
}
