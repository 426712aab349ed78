package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/kmaeshima/documentanalysisflow/internal/notify"
)

var (
	hub     *notify.Hub
	once    sync.Once
	initErr error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleProgressFeed", handleProgressFeed)
}

// main is required by the Go Functions Framework.
func main() {}

// handleProgressFeed streams a workflow's progress events to the caller as
// server-sent events until the client disconnects.
func handleProgressFeed(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		hub = notify.NewHub()
		var bus *notify.Bus
		bus, initErr = notify.NewBus(context.Background(), hub)
		if initErr == nil {
			// The forwarder runs for the life of the instance.
			initErr = bus.StartForwarder(context.Background())
		}
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	workflowID := r.URL.Query().Get("workflowId")
	if workflowID == "" {
		http.Error(w, "Bad Request: workflowId query parameter is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Internal Server Error: streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := hub.Subscribe(workflowID)
	defer sub.Close()
	slog.Info("Progress feed opened.", "workflowId", workflowID)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("Progress feed closed.", "workflowId", workflowID)
			return
		case event, ok := <-sub.C:
			if !ok {
				// Pruned by the hub; the client should reconnect.
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				slog.Warn("Failed to encode progress event.", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
