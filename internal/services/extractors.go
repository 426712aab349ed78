package services

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"

	"github.com/kmaeshima/documentanalysisflow/internal/extract"
	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
	"github.com/kmaeshima/documentanalysisflow/internal/store"
)

// Factories for the three extraction coordinator workers. Each reads its own
// environment and assembles a coordinator around the matching extractor with
// that extractor's poll budget.

func newWorkerStore(ctx context.Context, projectID string) (store.Store, error) {
	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return store.NewFirestoreStore(firestoreClient, gcp.GetEnv("FIRESTORE_COLLECTION", "workflows")), nil
}

func NewOCRWorker(ctx context.Context) (*extract.Coordinator, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	processorName := gcp.GetEnv("DOCAI_OCR_PROCESSOR", "")
	if processorName == "" {
		return nil, fmt.Errorf("DOCAI_OCR_PROCESSOR environment variable must be set")
	}
	outputBucket := gcp.GetEnv("OUTPUT_BUCKET", "")
	if outputBucket == "" {
		return nil, fmt.Errorf("OUTPUT_BUCKET environment variable must be set")
	}

	st, err := newWorkerStore(ctx, projectID)
	if err != nil {
		return nil, err
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	docaiClient, err := gcp.NewDocAIClient(ctx, gcp.GetEnv("DOCAI_LOCATION", "us"))
	if err != nil {
		return nil, fmt.Errorf("failed to create Document AI client: %w", err)
	}

	extractor := extract.NewOCRExtractor(docaiClient, storageClient, processorName, outputBucket)
	slog.Info("OCR worker initialized.", "processor", processorName)
	return extract.NewCoordinator(st, extractor, extract.OCRPollInterval, extract.OCRPollAttempts), nil
}

func NewStructureWorker(ctx context.Context) (*extract.Coordinator, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	processorName := gcp.GetEnv("DOCAI_LAYOUT_PROCESSOR", "")
	if processorName == "" {
		return nil, fmt.Errorf("DOCAI_LAYOUT_PROCESSOR environment variable must be set")
	}
	outputBucket := gcp.GetEnv("OUTPUT_BUCKET", "")
	if outputBucket == "" {
		return nil, fmt.Errorf("OUTPUT_BUCKET environment variable must be set")
	}

	st, err := newWorkerStore(ctx, projectID)
	if err != nil {
		return nil, err
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	docaiClient, err := gcp.NewDocAIClient(ctx, gcp.GetEnv("DOCAI_LOCATION", "us"))
	if err != nil {
		return nil, fmt.Errorf("failed to create Document AI client: %w", err)
	}
	videoClient, err := gcp.NewVideoClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Video Intelligence client: %w", err)
	}

	extractor := extract.NewStructureExtractor(docaiClient, videoClient, storageClient, processorName, outputBucket)
	slog.Info("Structure worker initialized.", "processor", processorName)
	return extract.NewCoordinator(st, extractor, extract.StructurePollInterval, extract.StructurePollAttempts), nil
}

func NewTranscribeWorker(ctx context.Context) (*extract.Coordinator, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	outputBucket := gcp.GetEnv("OUTPUT_BUCKET", "")
	if outputBucket == "" {
		return nil, fmt.Errorf("OUTPUT_BUCKET environment variable must be set")
	}

	st, err := newWorkerStore(ctx, projectID)
	if err != nil {
		return nil, err
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	speechClient, err := gcp.NewSpeechClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Speech client: %w", err)
	}

	extractor := extract.NewTranscribeExtractor(speechClient, storageClient, outputBucket)
	slog.Info("Transcription worker initialized.")
	return extract.NewCoordinator(st, extractor, extract.TranscribePollInterval, extract.TranscribePollAttempts), nil
}
