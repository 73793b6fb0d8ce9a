package coordinator

import (
	"context"
	"fmt"
	"time"

	"marketplace/pkg/protocol"
	"marketplace/pkg/types"

	"go.uber.org/zap"
)

// ProcessImage persists a submitted image, runs it through the classifier and
// broadcasts the result to every producer as stream-metadata. The classifier
// runs outside the coordinator lock.
func (c *Coordinator) ProcessImage(ctx context.Context, sub types.ImageSubmission) error {
	if c.images == nil {
		return ErrNoImageStore
	}

	ref, err := c.images.Save(sub)
	if err != nil {
		c.metrics.ImageFailures.Inc()
		return fmt.Errorf("failed to store image %q: %w", sub.ID, err)
	}

	start := time.Now()
	result, err := c.classifier.Classify(ctx, ref, sub.Image)
	c.metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.ImageFailures.Inc()
		return fmt.Errorf("failed to analyze image %q: %w", sub.ID, err)
	}

	c.mu.Lock()
	sent := c.broadcast(c.producers, protocol.StreamMetadata{ID: sub.ID, Metadata: result})
	c.mu.Unlock()

	c.metrics.ImagesAnalyzed.Inc()
	c.logger.Info("Image analyzed",
		zap.String("submission_id", sub.ID),
		zap.String("path", ref.Path),
		zap.Bool("face", result.Face),
		zap.Int("producers", sent))
	return nil
}
