package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/smartmart/vision/internal/logger"
)

// Archiver copies recognition query images to object storage so that
// misrecognized products can be pulled back later as training samples.
type Archiver struct {
	store  ObjectStorage
	logger *logger.Logger
}

func NewArchiver(store ObjectStorage, log *logger.Logger) *Archiver {
	return &Archiver{store: store, logger: log}
}

// Key builds the object key for a query image, sharded by day.
func (a *Archiver) Key(requestID string, at time.Time) string {
	return fmt.Sprintf("queries/%s/%s.jpg", at.UTC().Format("2006/01/02"), requestID)
}

// Archive uploads the image in the background. Failures are logged and
// never surface to the recognition path.
func (a *Archiver) Archive(requestID string, imageData []byte, contentType string) string {
	key := a.Key(requestID, time.Now())
	data := make([]byte, len(imageData))
	copy(data, imageData)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := a.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
		if err != nil {
			a.logger.WithError(err).
				WithField(logger.FieldRequestID, requestID).
				Warn("failed to archive query image")
		}
	}()

	return a.store.GetURL(key)
}
