package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/notify"
	"github.com/kmaeshima/documentanalysisflow/internal/services"
)

var (
	summarizerInstance *services.SummarizerFunction
	once               sync.Once
	initErr            error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleSummarizeDocument", handleSummarizeDocument)
}

// main is required by the Go Functions Framework.
func main() {}

func handleSummarizeDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		summarizerInstance, initErr = services.NewDocSummarizer(context.Background())
		if initErr == nil {
			wireEvents(summarizerInstance)
		}
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.SummarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := summarizerInstance.Process(r.Context(), req)
	if err != nil {
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}

func wireEvents(f *services.SummarizerFunction) {
	bus, err := notify.NewBus(context.Background(), nil)
	if err != nil {
		slog.Warn("Progress bus unavailable, continuing without notifications.", "error", err)
		return
	}
	f.SetEventSink(func(event models.ProgressEvent) {
		bus.Publish(context.Background(), event)
	})
}
