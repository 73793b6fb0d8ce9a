// Package analysis wraps the image classification service the coordinator
// consults for submitted images.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketplace/pkg/types"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Classifier inspects one stored image.
type Classifier interface {
	Classify(ctx context.Context, ref types.ImageRef, image []byte) (types.ImageAnalysis, error)
}

// NoopClassifier reports every image as having no face and no safe-search
// annotations. It is used when no classification service is configured.
type NoopClassifier struct{}

func (NoopClassifier) Classify(context.Context, types.ImageRef, []byte) (types.ImageAnalysis, error) {
	return types.ImageAnalysis{}, nil
}

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxElapsed = 30 * time.Second
)

type HTTPConfig struct {
	URL        string
	Timeout    time.Duration
	MaxElapsed time.Duration
}

// HTTPClassifier posts images to a remote classification endpoint as
// {"id": ..., "image": base64} and expects {"face": bool, "safe_search": {...}}.
// 5xx responses and transport errors are retried with exponential backoff.
type HTTPClassifier struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

func NewHTTPClassifier(cfg HTTPConfig, logger *zap.Logger) *HTTPClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = DefaultMaxElapsed
	}
	return &HTTPClassifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "classifier")),
	}
}

type classifyRequest struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type"`
	Image       string `json:"image"`
}

func (c *HTTPClassifier) Classify(ctx context.Context, ref types.ImageRef, image []byte) (types.ImageAnalysis, error) {
	body, err := json.Marshal(classifyRequest{
		ID:          ref.ID,
		ContentType: ref.ContentType,
		Image:       base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return types.ImageAnalysis{}, fmt.Errorf("failed to encode request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.MaxElapsed

	var result types.ImageAnalysis
	op := func() error {
		r, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		result = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Classification failed, will retry",
			zap.String("submission_id", ref.ID),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return types.ImageAnalysis{}, fmt.Errorf("failed to classify %s: %w", ref.ID, err)
	}
	return result, nil
}

var errServer = errors.New("classifier server error")

func (c *HTTPClassifier) post(ctx context.Context, body []byte) (types.ImageAnalysis, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return types.ImageAnalysis{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return types.ImageAnalysis{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return types.ImageAnalysis{}, fmt.Errorf("%w: %s", errServer, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return types.ImageAnalysis{}, backoff.Permanent(fmt.Errorf("classifier rejected image: %s", resp.Status))
	}

	var result types.ImageAnalysis
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return types.ImageAnalysis{}, backoff.Permanent(fmt.Errorf("failed to decode classifier response: %w", err))
	}
	return result, nil
}
