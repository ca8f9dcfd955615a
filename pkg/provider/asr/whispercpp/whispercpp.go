// Package whispercpp provides a local whisper.cpp-backed ASR provider.
//
// Two execution modes cover the two ways whisper.cpp ships:
//
//   - Server mode talks to a whisper-server process (POST /inference with a
//     multipart body) whose lifecycle is managed by a [Provisioner], so the
//     slow model load is paid once and reused across sessions.
//   - CLI mode spawns one whisper-cli process per request, writing the
//     transcript to a generated temp path that is read back and removed.
//     It holds no shared mutable state and is safe under arbitrary
//     concurrency; it is selected when no server executable is configured.
//
// Usage (server mode):
//
//	p, err := whispercpp.New(
//	    whispercpp.WithServer(supervisor, "/opt/whisper/whisper-server"),
//	    whispercpp.WithModel("/opt/whisper/ggml-base.en.bin"),
//	)
//	resp, err := p.Transcribe(ctx, asr.Request{AudioPath: "take.wav"})
package whispercpp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okarlsen/dictare/pkg/provider/asr"
)

// providerName is the identifier used in configuration and session records.
const providerName = "whispercpp"

// defaultEnsureTimeout bounds server provisioning when the request context
// carries no deadline of its own.
const defaultEnsureTimeout = 120 * time.Second

// Compile-time interface assertion.
var _ asr.Provider = (*Provider)(nil)

// Provisioner manages the local whisper-server subprocess. It is implemented
// by the localserver supervisor; the adapter only ever sees the endpoint.
type Provisioner interface {
	// EnsureServer returns the endpoint of a healthy server for the given
	// (executable, model) pair, starting one if necessary.
	EnsureServer(ctx context.Context, executable, model string, timeout time.Duration) (string, error)

	// CheckHealth probes the current server without provisioning one.
	CheckHealth(ctx context.Context) bool
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithServer selects server mode: prov supervises serverExe and requests are
// sent to its HTTP endpoint.
func WithServer(prov Provisioner, serverExe string) Option {
	return func(p *Provider) {
		p.prov = prov
		p.serverExe = serverExe
	}
}

// WithCLI selects one-shot CLI mode using the given whisper-cli executable.
// Ignored when server mode is also configured.
func WithCLI(cliExe string) Option {
	return func(p *Provider) {
		p.cliExe = cliExe
	}
}

// WithModel sets the ggml model path passed to the server or CLI. Required.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithHTTPClient overrides the HTTP client used in server mode.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements asr.Provider backed by local whisper.cpp inference.
type Provider struct {
	prov      Provisioner
	serverExe string
	cliExe    string
	model     string

	httpClient *http.Client
}

// New creates a Provider. At least one of [WithServer] or [WithCLI] and a
// model path must be configured.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.model == "" {
		return nil, errors.New("whispercpp: model path must not be empty")
	}
	if p.prov == nil && p.cliExe == "" {
		return nil, errors.New("whispercpp: neither server nor CLI executable configured")
	}
	return p, nil
}

// Name returns "whispercpp".
func (p *Provider) Name() string { return providerName }

// RequiresFLACUpload reports false: whisper.cpp consumes WAV directly.
func (p *Provider) RequiresFLACUpload() bool { return false }

// Transcribe performs one local inference attempt. Server mode provisions
// (or reuses) the supervised server and POSTs the audio; CLI mode spawns an
// independent one-shot process.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) (asr.Response, error) {
	start := time.Now()

	var (
		text string
		err  error
	)
	if p.prov != nil {
		text, err = p.transcribeServer(ctx, req)
	} else {
		text, err = p.transcribeCLI(ctx, req)
	}
	if err != nil {
		return asr.Response{}, err
	}
	return asr.Response{Text: strings.TrimSpace(text), Duration: time.Since(start)}, nil
}

// CheckHealth reports backend availability without provisioning anything:
// in server mode it probes the supervised server, in CLI mode it verifies the
// executable and model exist on disk.
func (p *Provider) CheckHealth(ctx context.Context, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p.prov != nil {
		return p.prov.CheckHealth(probeCtx)
	}
	if _, err := os.Stat(p.cliExe); err != nil {
		return false
	}
	_, err := os.Stat(p.model)
	return err == nil
}

// transcribeServer provisions the server and issues one inference request.
func (p *Provider) transcribeServer(ctx context.Context, req asr.Request) (string, error) {
	ensureTimeout := defaultEnsureTimeout
	if deadline, ok := ctx.Deadline(); ok {
		ensureTimeout = time.Until(deadline)
	}

	endpoint, err := p.prov.EnsureServer(ctx, p.serverExe, p.model, ensureTimeout)
	if err != nil {
		return "", asr.Classify(providerName, err)
	}
	return p.infer(ctx, endpoint, req)
}

// infer POSTs the audio artifact to the server's /inference endpoint as
// multipart/form-data and decodes the transcript.
func (p *Provider) infer(ctx context.Context, endpoint string, req asr.Request) (string, error) {
	audio, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return "", &asr.ProviderError{
			Provider: providerName,
			Kind:     asr.KindTerminal,
			Message:  fmt.Sprintf("read audio %q: %v", req.AudioPath, err),
			Err:      err,
		}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whispercpp: write response_format field: %w", err)
	}
	if req.Language != "" {
		if err := mw.WriteField("language", req.Language); err != nil {
			return "", fmt.Errorf("whispercpp: write language field: %w", err)
		}
	}
	if req.Prompt != "" {
		if err := mw.WriteField("prompt", req.Prompt); err != nil {
			return "", fmt.Errorf("whispercpp: write prompt field: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(req.AudioPath))
	if err != nil {
		return "", fmt.Errorf("whispercpp: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("whispercpp: write audio data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whispercpp: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whispercpp: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", asr.Classify(providerName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", asr.Classify(providerName, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &asr.ProviderError{
			Provider: providerName,
			Kind:     asr.ClassifyStatus(resp.StatusCode),
			Code:     resp.StatusCode,
			Message:  strings.TrimSpace(string(data)),
		}
	}

	// The server replies with {"text": ...} in json mode, but older builds
	// ignore response_format and send the bare transcript.
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err == nil && result.Text != "" {
		return result.Text, nil
	}
	if text := strings.TrimSpace(string(data)); text != "" && !strings.HasPrefix(text, "{") {
		return text, nil
	}
	return "", &asr.ProviderError{
		Provider: providerName,
		Kind:     asr.KindInvalidResponse,
		Message:  fmt.Sprintf("undecodable inference response: %.200s", string(data)),
	}
}

// transcribeCLI runs one independent whisper-cli process. The transcript is
// written to a generated temp prefix (whisper-cli appends ".txt"), read back
// and removed. No state is shared between invocations.
func (p *Provider) transcribeCLI(ctx context.Context, req asr.Request) (string, error) {
	outPrefix := filepath.Join(os.TempDir(), "dictare-"+uuid.NewString())
	outPath := outPrefix + ".txt"
	defer os.Remove(outPath)

	args := []string{
		"-m", p.model,
		"-f", req.AudioPath,
		"--output-txt",
		"--output-file", outPrefix,
		"--no-prints",
	}
	if req.Language != "" {
		args = append(args, "-l", req.Language)
	}
	if req.Prompt != "" {
		args = append(args, "--prompt", req.Prompt)
	}

	cmd := exec.CommandContext(ctx, p.cliExe, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", asr.Classify(providerName, ctx.Err())
		}
		exitCode := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &asr.ProviderError{
			Provider: providerName,
			Kind:     asr.KindTerminal,
			Code:     exitCode,
			Message:  strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}

	text, err := os.ReadFile(outPath)
	if err != nil {
		return "", &asr.ProviderError{
			Provider: providerName,
			Kind:     asr.KindInvalidResponse,
			Message:  fmt.Sprintf("cli produced no transcript at %q: %v", outPath, err),
			Err:      err,
		}
	}
	return string(text), nil
}
