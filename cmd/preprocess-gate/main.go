package main

import (
	"context"
	"encoding/json"
	"errors"
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
	gateInstance *services.GateFunction
	once         sync.Once
	initErr      error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandlePreprocessGate", handlePreprocessGate)
}

// main is required by the Go Functions Framework.
func main() {}

func handlePreprocessGate(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		gateInstance, initErr = services.NewCompletionGate(context.Background())
		if initErr == nil {
			wireEvents(gateInstance)
		}
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.GateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := gateInstance.Process(r.Context(), req)
	if err != nil {
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	// Everything in place: open the analysis phase before the workflow fans
	// out the per-segment analyzers.
	if res.AllCompleted {
		if err := gateInstance.BeginAnalysis(r.Context(), req.WorkflowID); err != nil {
			if errors.Is(err, services.ErrAnalysisBusy) {
				http.Error(w, "Conflict: analysis already in progress", http.StatusConflict)
				return
			}
			http.Error(w, "Internal Server Error: failed to open analysis", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}

func wireEvents(f *services.GateFunction) {
	bus, err := notify.NewBus(context.Background(), nil)
	if err != nil {
		slog.Warn("Progress bus unavailable, continuing without notifications.", "error", err)
		return
	}
	f.SetEventSink(func(event models.ProgressEvent) {
		bus.Publish(context.Background(), event)
	})
}
