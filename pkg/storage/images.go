// Package storage persists submitted images on local disk so the analysis
// collaborator can read them back.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"marketplace/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrEmptyImage    = errors.New("image is empty")
	ErrImageTooLarge = errors.New("image exceeds size limit")
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// ImageStore writes every submission to its own file. Names are generated,
// never derived from the sender-supplied id, so concurrent submissions with
// the same id cannot overwrite each other.
type ImageStore struct {
	dir     string
	maxSize int64
	logger  *zap.Logger
}

// NewImageStore creates dir if needed. maxSize <= 0 disables the size check.
func NewImageStore(dir string, maxSize int64, logger *zap.Logger) (*ImageStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	return &ImageStore{dir: dir, maxSize: maxSize, logger: logger.With(zap.String("component", "images"))}, nil
}

func (s *ImageStore) Dir() string { return s.dir }

// Save writes the image atomically and returns a reference to it.
func (s *ImageStore) Save(sub types.ImageSubmission) (types.ImageRef, error) {
	if len(sub.Image) == 0 {
		return types.ImageRef{}, ErrEmptyImage
	}
	if s.maxSize > 0 && int64(len(sub.Image)) > s.maxSize {
		return types.ImageRef{}, fmt.Errorf("%d bytes: %w", len(sub.Image), ErrImageTooLarge)
	}

	contentType := http.DetectContentType(sub.Image)
	ext, ok := extensions[contentType]
	if !ok {
		ext = ".bin"
	}
	path := filepath.Join(s.dir, uuid.NewString()+ext)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return types.ImageRef{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	_, err = tmp.Write(sub.Image)
	err = multierr.Append(err, tmp.Close())
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		err = multierr.Append(err, os.Remove(tmp.Name()))
		return types.ImageRef{}, fmt.Errorf("failed to store image: %w", err)
	}

	sum := sha256.Sum256(sub.Image)
	ref := types.ImageRef{
		ID:          sub.ID,
		Path:        path,
		Size:        int64(len(sub.Image)),
		ContentType: contentType,
	}
	s.logger.Debug("Stored image",
		zap.String("submission_id", sub.ID),
		zap.String("path", path),
		zap.String("sha256", hex.EncodeToString(sum[:])),
		zap.Int64("size", ref.Size))
	return ref, nil
}
