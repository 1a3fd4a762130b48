// Package docs crawls documentation URLs and forwards new versions to
// the knowledge base as doc patterns.
//
// A (url, content hash) pair identifies a document version; re-crawling
// an unchanged document is a no-op. The manifest under docs_dir records
// the last seen version per URL and survives restarts.
package docs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/kb"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/knowledged/internal/docs")

// maxBodyBytes bounds a fetched document.
const maxBodyBytes = 2 << 20

// backoffCap bounds the exponential retry backoff on 5xx responses.
const backoffCap = 30 * time.Second

const manifestName = "manifest.json"

// Indexer is the slice of the knowledge base the crawler uses.
type Indexer interface {
	Index(ctx context.Context, p kb.Pattern) (string, error)
}

// Config holds crawler settings.
type Config struct {
	// Dir is docs_dir: manifest plus the local mirror.
	Dir string

	// MaxInFlight bounds concurrent fetches. Defaults to 4.
	MaxInFlight int

	// RPS limits outbound request rate. Defaults to 2.
	RPS float64

	// Retries is how many times a 5xx fetch is retried.
	Retries int

	// Timeout bounds one fetch. Defaults to 30s.
	Timeout time.Duration
}

// manifestEntry records the last indexed version of one URL.
type manifestEntry struct {
	Hash      string    `json:"hash"`
	PatternID string    `json:"pattern_id"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Report summarizes one Crawl call.
type Report struct {
	Indexed int      `json:"indexed"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Manager crawls URLs with bounded concurrency and rate limiting.
type Manager struct {
	config  Config
	indexer Indexer
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	manifest map[string]manifestEntry
}

// NewManager creates a doc crawler.
func NewManager(config Config, indexer Indexer, logger *zap.Logger) (*Manager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("docs dir required")
	}
	if indexer == nil {
		return nil, fmt.Errorf("indexer is required")
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 4
	}
	if config.RPS <= 0 {
		config.RPS = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:   config,
		indexer:  indexer,
		client:   &http.Client{Timeout: config.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(config.RPS), config.MaxInFlight),
		logger:   logger,
		manifest: make(map[string]manifestEntry),
	}, nil
}

// Name implements registry.Component.
func (m *Manager) Name() string { return "docs" }

// Initialize loads the manifest from docs_dir.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(m.mirrorDir(), 0o700); err != nil {
		return fmt.Errorf("create docs mirror dir: %w", err)
	}
	raw, err := os.ReadFile(filepath.Join(m.config.Dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read docs manifest: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := json.Unmarshal(raw, &m.manifest); err != nil {
		m.logger.Warn("corrupt docs manifest, starting fresh", zap.Error(err))
		m.manifest = make(map[string]manifestEntry)
	}
	return nil
}

// Cleanup implements registry.Component.
func (m *Manager) Cleanup(ctx context.Context) error { return nil }

// Status implements registry.Component.
func (m *Manager) Status(ctx context.Context) registry.Status {
	if _, err := os.Stat(m.config.Dir); err != nil {
		return registry.Status{State: registry.StateUnhealthy, Detail: "docs dir missing"}
	}
	return registry.Status{State: registry.StateHealthy}
}

// Crawl fetches each URL and indexes new versions. Fetches run with at
// most MaxInFlight in flight; per-URL failures are collected in the
// report, not returned as an error.
func (m *Manager) Crawl(ctx context.Context, urls []string, sourceType string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "docs.Crawl")
	defer span.End()
	span.SetAttributes(attribute.Int("urls", len(urls)), attribute.String("source_type", sourceType))

	if len(urls) == 0 {
		return nil, errkind.New(errkind.ValidationFailed, "urls are required")
	}
	if sourceType == "" {
		return nil, errkind.New(errkind.ValidationFailed, "source_type is required")
	}
	for _, u := range urls {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, errkind.Newf(errkind.ValidationFailed, "invalid url %q", u)
		}
	}

	report := &Report{}
	var reportMu sync.Mutex
	sem := make(chan struct{}, m.config.MaxInFlight)
	var wg sync.WaitGroup

	for _, u := range urls {
		select {
		case <-ctx.Done():
			reportMu.Lock()
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", u, ctx.Err()))
			reportMu.Unlock()
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := m.crawlOne(ctx, u, sourceType)
			reportMu.Lock()
			defer reportMu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", u, err))
			case outcome:
				report.Indexed++
			default:
				report.Skipped++
			}
		}(u)
	}
	wg.Wait()

	m.saveManifest()
	return report, nil
}

// crawlOne fetches one URL; indexed reports whether a new version was
// forwarded to the knowledge base.
func (m *Manager) crawlOne(ctx context.Context, u, sourceType string) (indexed bool, err error) {
	body, err := m.fetch(ctx, u)
	if err != nil {
		return false, err
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	m.mu.Lock()
	existing, seen := m.manifest[u]
	m.mu.Unlock()
	if seen && existing.Hash == hash {
		return false, nil
	}

	now := time.Now().UTC()
	p := kb.Pattern{
		Kind:      kb.KindDoc,
		Title:     docTitle(u, sourceType),
		Body:      string(body),
		Tags:      []string{sourceType, "hash:" + hash[:12]},
		SourceURL: u,
	}
	// Same URL keeps its pattern id across versions.
	if seen {
		p.ID = existing.PatternID
	}

	id, err := m.indexer.Index(ctx, p)
	if err != nil {
		return false, err
	}

	m.mirror(hash, body)

	m.mu.Lock()
	m.manifest[u] = manifestEntry{Hash: hash, PatternID: id, FetchedAt: now}
	m.mu.Unlock()
	return true, nil
}

// fetch GETs one URL. 5xx responses are retried with exponential
// backoff up to the configured limit; 4xx responses are abandoned.
func (m *Manager) fetch(ctx context.Context, u string) ([]byte, error) {
	backoff := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, status, err := m.get(ctx, u)
		switch {
		case err != nil:
			// Network errors are treated like 5xx.
		case status >= 200 && status < 300:
			return body, nil
		case status >= 400 && status < 500:
			return nil, fmt.Errorf("fetch %s: status %d", u, status)
		default:
			err = fmt.Errorf("fetch %s: status %d", u, status)
		}

		if attempt >= m.config.Retries {
			return nil, err
		}

		m.logger.Debug("retrying fetch",
			zap.String("url", u), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func (m *Manager) get(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", "knowledged-crawler/1.0")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// mirror writes the fetched body under docs_dir, best effort.
func (m *Manager) mirror(hash string, body []byte) {
	path := filepath.Join(m.mirrorDir(), hash[:2], hash+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		m.logger.Warn("docs mirror write failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		m.logger.Warn("docs mirror write failed", zap.Error(err))
	}
}

func (m *Manager) mirrorDir() string {
	return filepath.Join(m.config.Dir, "mirror")
}

// saveManifest persists the manifest atomically, best effort.
func (m *Manager) saveManifest() {
	m.mu.Lock()
	raw, err := json.MarshalIndent(m.manifest, "", "  ")
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("marshal docs manifest failed", zap.Error(err))
		return
	}

	tmp, err := os.CreateTemp(m.config.Dir, ".tmp-*")
	if err != nil {
		m.logger.Error("write docs manifest failed", zap.Error(err))
		return
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(raw)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmpName)
		m.logger.Error("write docs manifest failed", zap.Error(werr))
		return
	}
	if err := os.Rename(tmpName, filepath.Join(m.config.Dir, manifestName)); err != nil {
		m.logger.Error("write docs manifest failed", zap.Error(err))
	}
}

// docTitle derives a readable title from the URL path.
func docTitle(u, sourceType string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return sourceType + " " + u
	}
	segment := strings.Trim(parsed.Path, "/")
	if idx := strings.LastIndex(segment, "/"); idx >= 0 {
		segment = segment[idx+1:]
	}
	if segment == "" {
		segment = parsed.Host
	}
	return fmt.Sprintf("%s: %s", sourceType, segment)
}
