package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bluele/gcache"

	"github.com/transitboard-data/internal/common/logger"
	"github.com/transitboard-data/internal/feed/arrival"
)

const (
	UserAgent = "transitboard-data/1.0"

	defaultResultBuffer = 16
	defaultCacheSize    = 64
)

var (
	ErrHTTPStatus       = errors.New("unexpected HTTP status")
	ErrResponseTooLarge = errors.New("response body exceeds buffer size")
)

// FailureKind classifies a failed fetch
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTransport
	FailureStatus
	FailureTooLarge
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTransport:
		return "transport"
	case FailureStatus:
		return "http_status"
	case FailureTooLarge:
		return "too_large"
	default:
		return "unknown"
	}
}

type Config struct {
	RequestTimeout time.Duration
	// MaxBodyBytes is the receive buffer size; longer bodies fail the fetch
	MaxBodyBytes int
	ResultBuffer int
	CacheSize    int
}

// Result is the completed outcome of one dispatched request
type Result struct {
	Source arrival.Source
	// Seq identifies the dispatch this result answers
	Seq        uint64
	Body       []byte
	StatusCode int
	// NotModified is set when the server answered 304 and Body is the cached copy
	NotModified bool
	Kind        FailureKind
	Err         error
	FetchedAt   time.Time
	Duration    time.Duration
}

// OK reports whether the fetch produced a body worth parsing
func (r *Result) OK() bool {
	return r.Err == nil
}

type cacheEntry struct {
	etag string
	body []byte
}

// Consumer fetches feed bodies in the background and posts each outcome on
// a buffered channel that the scheduler drains.
type Consumer struct {
	config     Config
	httpClient *http.Client
	logger     logger.Logger
	cache      gcache.Cache
	resultChan chan Result
}

// NewConsumer builds a consumer. A nil client gets a pooled client bounded
// by the request timeout.
func NewConsumer(cfg Config, client *http.Client, log logger.Logger) *Consumer {
	if client == nil {
		client = &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		}
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = defaultResultBuffer
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	return &Consumer{
		config:     cfg,
		httpClient: client,
		logger:     log,
		cache:      gcache.New(cfg.CacheSize).LRU().Build(),
		resultChan: make(chan Result, cfg.ResultBuffer),
	}
}

// Results is the channel completed fetches are delivered on
func (c *Consumer) Results() <-chan Result {
	return c.resultChan
}

// Dispatch starts a fetch of src and returns immediately. The outcome is
// delivered on Results tagged with seq.
func (c *Consumer) Dispatch(ctx context.Context, seq uint64, src arrival.Source) error {
	req, err := c.newRequest(ctx, src)
	if err != nil {
		return err
	}

	go func() {
		result := c.do(req, seq, src)
		select {
		case c.resultChan <- result:
		case <-ctx.Done():
		default:
			c.logger.Warn("Result channel is full, dropping result", "source", src.Name, "seq", seq)
		}
	}()
	return nil
}

func (c *Consumer) newRequest(ctx context.Context, src arrival.Source) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", src.Name, err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	if entry := c.cached(src.URL); entry != nil && entry.etag != "" {
		req.Header.Set("If-None-Match", entry.etag)
	}
	return req, nil
}

func (c *Consumer) do(req *http.Request, seq uint64, src arrival.Source) Result {
	started := time.Now()
	result := Result{Source: src, Seq: seq, FetchedAt: started}
	defer func() {
		result.Duration = time.Since(started)
	}()

	if c.config.RequestTimeout > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), c.config.RequestTimeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		result.Kind = FailureTransport
		result.Err = fmt.Errorf("failed to fetch feed: %w", err)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode

	if resp.StatusCode == http.StatusNotModified {
		if entry := c.cached(src.URL); entry != nil {
			result.Body = entry.body
			result.NotModified = true
			c.logger.Debug("Feed not modified, using cached body", "source", src.Name)
			return result
		}
		result.Kind = FailureStatus
		result.Err = fmt.Errorf("%w: 304 without a cached body", ErrHTTPStatus)
		return result
	}

	if resp.StatusCode != http.StatusOK {
		result.Kind = FailureStatus
		result.Err = fmt.Errorf("%w: %d %s", ErrHTTPStatus, resp.StatusCode, http.StatusText(resp.StatusCode))
		return result
	}

	reader := io.Reader(resp.Body)
	if c.config.MaxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, int64(c.config.MaxBodyBytes)+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		result.Kind = FailureTransport
		result.Err = fmt.Errorf("failed to read response body: %w", err)
		return result
	}
	if c.config.MaxBodyBytes > 0 && len(body) > c.config.MaxBodyBytes {
		result.Kind = FailureTooLarge
		result.Err = fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.config.MaxBodyBytes)
		return result
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		if err := c.cache.Set(src.URL, &cacheEntry{etag: etag, body: body}); err != nil {
			c.logger.Debug("Failed to cache response", "source", src.Name, "error", err)
		}
	}

	result.Body = body
	c.logger.Debug("Fetched feed", "source", src.Name, "bytes", len(body))
	return result
}

func (c *Consumer) cached(key string) *cacheEntry {
	v, err := c.cache.Get(key)
	if err != nil {
		return nil
	}
	entry, _ := v.(*cacheEntry)
	return entry
}
