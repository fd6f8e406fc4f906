package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// PlanFilePath returns the blob path of a run's partition plan.
func PlanFilePath(runID string) string {
	return fmt.Sprintf("partitions/%s/partition.json", runID)
}

// ForcingPattern returns the blob path pattern of a run's forcing tables.
// "{id}" is replaced by the catchment id.
func ForcingPattern(prefix string) string {
	if prefix == "" {
		prefix = "forcing"
	}
	return prefix + "/{id}.csv"
}

// PlanFileClient shares partition plans between workers through blob storage.
type PlanFileClient struct {
	store  BlobStore
	logger *zap.Logger
}

// NewPlanFileClient creates a client over store.
func NewPlanFileClient(store BlobStore, logger *zap.Logger) *PlanFileClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlanFileClient{store: store, logger: logger}
}

// Publish uploads an encoded plan for runID.
func (c *PlanFileClient) Publish(ctx context.Context, runID string, data []byte, workers int) (string, error) {
	if c.store == nil {
		return "", fmt.Errorf("blob store not initialized")
	}
	blobPath := PlanFilePath(runID)
	ref, err := c.store.Upload(ctx, blobPath, data, "application/json", map[string]string{
		"run_id":     runID,
		"workers":    strconv.Itoa(workers),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish partition plan: %w", err)
	}

	c.logger.Info("Published partition plan",
		zap.String("run_id", runID),
		zap.Int("workers", workers),
		zap.String("blob_path", blobPath))
	return ref, nil
}

// Fetch downloads the encoded plan for runID.
func (c *PlanFileClient) Fetch(ctx context.Context, runID string) ([]byte, error) {
	if c.store == nil {
		return nil, fmt.Errorf("blob store not initialized")
	}
	data, err := c.store.Download(ctx, PlanFilePath(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch partition plan: %w", err)
	}
	return data, nil
}
