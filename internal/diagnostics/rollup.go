package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// flushInterval is how often accumulated counters are written to the log.
	flushInterval = 60 * time.Second

	// uploadInterval is how often counters are uploaded when configured.
	uploadInterval = 900 * time.Second
)

// uploadBackoff is the retry schedule for one upload cycle. Failures beyond
// the last entry are logged and abandoned; the next cycle starts fresh.
var uploadBackoff = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// RollupConfig configures the optional telemetry upload.
type RollupConfig struct {
	// UploadEndpoint receives the JSON payload via POST. Empty disables
	// uploading entirely.
	UploadEndpoint string

	// UploadOptIn must be true in addition to a configured endpoint before
	// anything leaves the machine.
	UploadOptIn bool
}

// counterPayload is one counter in the uploaded JSON document.
type counterPayload struct {
	Name  string            `json:"name"`
	Tags  map[string]string `json:"tags,omitempty"`
	Value int64             `json:"value"`
}

// uploadPayload is the JSON document POSTed to the upload endpoint.
type uploadPayload struct {
	Timestamp time.Time        `json:"timestamp"`
	Counters  []counterPayload `json:"counters"`
}

// counter pairs a running total with its decoded identity.
type counter struct {
	name  string
	tags  map[string]string
	value int64
}

// Rollup accumulates named counters in memory, keyed by name plus the sorted
// tag string so that tag order never splits a series. Safe for concurrent
// use.
type Rollup struct {
	cfg        RollupConfig
	httpClient *http.Client

	mu       sync.Mutex
	counters map[string]*counter
}

// NewRollup creates an empty Rollup.
func NewRollup(cfg RollupConfig) *Rollup {
	return &Rollup{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		counters:   make(map[string]*counter),
	}
}

// Inc adds one to the counter identified by name and tags.
func (r *Rollup) Inc(name string, tags map[string]string) {
	r.Add(name, tags, 1)
}

// Add adds delta to the counter identified by name and tags.
func (r *Rollup) Add(name string, tags map[string]string, delta int64) {
	key := counterKey(name, tags)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[key]
	if !ok {
		c = &counter{name: name, tags: tags}
		r.counters[key] = c
	}
	c.value += delta
}

// Value returns the current total for name and tags. Mostly useful in tests
// and the doctor report.
func (r *Rollup) Value(name string, tags map[string]string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[counterKey(name, tags)]; ok {
		return c.value
	}
	return 0
}

// Run starts the flush loop and, when an endpoint is configured and upload is
// opted in, the upload loop. Both run until ctx is cancelled; cancellation is
// checked before every sleep so no extra cycle runs after a stop request.
// Run blocks until both loops have exited.
func (r *Rollup) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.loop(ctx, flushInterval, r.flush)
	}()

	if r.cfg.UploadEndpoint != "" && r.cfg.UploadOptIn {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, uploadInterval, func() { r.upload(ctx) })
		}()
	}

	wg.Wait()
}

// loop invokes fn every interval until ctx is cancelled.
func (r *Rollup) loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fn()
		if ctx.Err() != nil {
			return
		}
	}
}

// flush writes every counter's running total to the structured log.
func (r *Rollup) flush() {
	for _, c := range r.snapshot() {
		slog.Info("metrics rollup",
			"metric", c.Name, "tags", tagString(c.Tags), "value", c.Value)
	}
}

// upload POSTs one JSON payload to the configured endpoint, retrying on the
// fixed backoff schedule. A cycle that exhausts the schedule is logged and
// dropped; uploading is best-effort.
func (r *Rollup) upload(ctx context.Context) {
	payload := uploadPayload{
		Timestamp: time.Now().UTC(),
		Counters:  r.snapshot(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("telemetry upload: marshal payload", "err", err)
		return
	}

	for attempt := 0; ; attempt++ {
		err := r.post(ctx, body)
		if err == nil {
			slog.Debug("telemetry uploaded", "counters", len(payload.Counters))
			return
		}
		if attempt >= len(uploadBackoff) {
			slog.Warn("telemetry upload abandoned", "attempts", attempt+1, "err", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(uploadBackoff[attempt]):
		}
	}
}

// post performs one upload attempt.
func (r *Rollup) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.UploadEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("diagnostics: create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("diagnostics: upload request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("diagnostics: upload endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// snapshot copies the current counters sorted by name then tag string.
func (r *Rollup) snapshot() []counterPayload {
	r.mu.Lock()
	out := make([]counterPayload, 0, len(r.counters))
	for _, c := range r.counters {
		out = append(out, counterPayload{Name: c.name, Tags: c.tags, Value: c.value})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return tagString(out[i].Tags) < tagString(out[j].Tags)
	})
	return out
}

// counterKey builds the map key from the name and the sorted tag string.
func counterKey(name string, tags map[string]string) string {
	return name + "|" + tagString(tags)
}

// tagString renders tags as "k=v,k=v" with keys in sorted order.
func tagString(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}
