package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/notify"
	"github.com/kmaeshima/documentanalysisflow/internal/services"
)

var (
	dispatcherInstance *services.DispatcherFunction
	once               sync.Once
	initErr            error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the CloudEvent function. The framework routes the GCS
	// finalize event here.
	functions.CloudEvent("DispatchUpload", dispatchUpload)
}

// main is required by the Go Functions Framework.
func main() {}

func dispatchUpload(ctx context.Context, e cloudevents.Event) error {
	// Use sync.Once for one-time initialization of clients.
	once.Do(func() {
		dispatcherInstance, initErr = services.NewIngestDispatcher(context.Background())
		if initErr == nil {
			wireEvents(dispatcherInstance)
		}
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	return dispatcherInstance.Process(ctx, gcsEvent)
}

// wireEvents connects the best-effort progress bus; the dispatcher works fine
// without it.
func wireEvents(f *services.DispatcherFunction) {
	bus, err := notify.NewBus(context.Background(), nil)
	if err != nil {
		slog.Warn("Progress bus unavailable, continuing without notifications.", "error", err)
		return
	}
	f.SetEventSink(func(event models.ProgressEvent) {
		bus.Publish(context.Background(), event)
	})
}
