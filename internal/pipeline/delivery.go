package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nerdneilsfield/telegram-veo-bot/internal/metrics"
	"go.uber.org/zap"
)

// Telegram rejects captions longer than this.
const maxCaptionLength = 1024

// Video references a result either by remote URL or by local file.
type Video struct {
	URL  string
	Path string
}

// Channel is the conversation a job reports to.
type Channel interface {
	SendMessage(ctx context.Context, text string) error
	SendVideo(ctx context.Context, video Video, caption string) error
}

var ErrDeliveryFailed = errors.New("delivery failed")

// DeliveryError carries the URL the user can still open by hand.
type DeliveryError struct {
	URL string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s failed: %v", e.URL, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }

type DeliveryOptions struct {
	MaxDownloadBytes int64
	TempDir          string
	HTTPClient       *http.Client
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
}

// Deliverer sends a finished video to a channel, first by URL and then by
// re-uploading a local copy.
type Deliverer struct {
	maxBytes   int64
	tempDir    string
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewDeliverer(opts DeliveryOptions) *Deliverer {
	if opts.MaxDownloadBytes <= 0 {
		opts.MaxDownloadBytes = 50 << 20
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 3 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Deliverer{
		maxBytes:   opts.MaxDownloadBytes,
		tempDir:    opts.TempDir,
		httpClient: opts.HTTPClient,
		metrics:    opts.Metrics,
		logger:     opts.Logger.Named("delivery"),
	}
}

// Deliver sends urls[0]; extra URLs are appended to the caption as links.
func (d *Deliverer) Deliver(ctx context.Context, urls []string, ch Channel, caption string) error {
	if len(urls) == 0 {
		d.metrics.RecordDelivery("failed")
		return &DeliveryError{Err: errors.New("no result URL")}
	}
	first := urls[0]
	caption = buildCaption(caption, urls[1:])

	err := ch.SendVideo(ctx, Video{URL: first}, caption)
	if err == nil {
		d.metrics.RecordDelivery("url")
		return nil
	}
	d.logger.Warn("sending video by URL failed, falling back to upload", zap.String("url", first), zap.Error(err))

	path, err := d.download(ctx, first)
	if err != nil {
		d.metrics.RecordDelivery("failed")
		return &DeliveryError{URL: first, Err: err}
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			d.logger.Warn("failed to remove temp video", zap.String("path", path), zap.Error(rmErr))
		}
	}()

	if err := ch.SendVideo(ctx, Video{Path: path}, caption); err != nil {
		d.metrics.RecordDelivery("failed")
		return &DeliveryError{URL: first, Err: fmt.Errorf("upload failed: %w", err)}
	}
	d.metrics.RecordDelivery("upload")
	return nil
}

// download copies url into a temp file no larger than maxBytes. The file is
// removed on error.
func (d *Deliverer) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	if resp.ContentLength > d.maxBytes {
		return "", fmt.Errorf("video is %d bytes, limit is %d", resp.ContentLength, d.maxBytes)
	}

	f, err := os.CreateTemp(d.tempDir, "veo-*.mp4")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	keep := false
	defer func() {
		if !keep {
			if rmErr := os.Remove(name); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				d.logger.Warn("failed to remove temp video", zap.String("path", name), zap.Error(rmErr))
			}
		}
	}()

	n, err := io.Copy(f, io.LimitReader(resp.Body, d.maxBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write video: %w", err)
	}
	if n > d.maxBytes {
		return "", fmt.Errorf("video exceeds %d bytes", d.maxBytes)
	}
	d.logger.Debug("video downloaded", zap.String("path", name), zap.Int64("bytes", n))
	keep = true
	return name, nil
}

func buildCaption(caption string, extra []string) string {
	var b strings.Builder
	b.WriteString(caption)
	for i, u := range extra {
		fmt.Fprintf(&b, "\n%d. %s", i+2, u)
	}
	return truncateRunes(b.String(), maxCaptionLength)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
