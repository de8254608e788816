package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vyvo/forge/bridge/pkg/gpu"
	"github.com/vyvo/forge/bridge/pkg/localfs"
	"github.com/vyvo/forge/bridge/pkg/scriptgen"
	"github.com/vyvo/forge/bridge/pkg/training"
)

const (
	maxBodyBytes = 1 << 20
	previewLen   = 500
)

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	if s.opts.Backends == nil {
		respondError(w, http.StatusServiceUnavailable, "backend detection disabled")
		return
	}
	report, err := s.opts.Backends.Detect(r.Context())
	if err != nil {
		s.logger.WarnContext(r.Context(), "backend detection failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "backend detection failed: "+err.Error())
		return
	}
	respondJSON(w, report, http.StatusOK)
}

func handleProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"providers": training.Catalog()}, http.StatusOK)
}

func (s *Server) handleGPUInfo(w http.ResponseWriter, r *http.Request) {
	inv := gpu.Inventory{GPUs: []gpu.GPU{}, Error: "GPU discovery disabled"}
	if s.opts.GPUs != nil {
		inv = s.opts.GPUs.Inventory(r.Context())
	}
	if inv.GPUs == nil {
		inv.GPUs = []gpu.GPU{}
	}
	respondJSON(w, inv, http.StatusOK)
}

type vramRequest struct {
	Model        string                `json:"model"`
	Quantization training.Quantization `json:"quantization"`
}

func (s *Server) handleVRAMCheck(w http.ResponseWriter, r *http.Request) {
	var req vramRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" || req.Quantization == "" {
		respondError(w, http.StatusBadRequest, "model and quantization are required")
		return
	}
	if !req.Quantization.Known() {
		respondError(w, http.StatusBadRequest, "unknown quantization "+string(req.Quantization))
		return
	}

	var gpus []gpu.GPU
	if s.opts.GPUs != nil {
		gpus = s.opts.GPUs.Inventory(r.Context()).GPUs
	}
	respondJSON(w, gpu.CheckVRAM(req.Model, req.Quantization, gpus), http.StatusOK)
}

func (s *Server) handleLocalModels(w http.ResponseWriter, r *http.Request) {
	models := []localfs.Model{}
	if s.opts.Local != nil {
		found, err := s.opts.Local.Models()
		if err != nil {
			s.logger.WarnContext(r.Context(), "list local models", "error", err)
			respondJSON(w, map[string]any{"models": models, "error": err.Error()}, http.StatusOK)
			return
		}
		models = append(models, found...)
	}
	respondJSON(w, map[string]any{"models": models}, http.StatusOK)
}

func (s *Server) handleLocalDatasets(w http.ResponseWriter, r *http.Request) {
	datasets := []localfs.Dataset{}
	if s.opts.Local != nil {
		found, err := s.opts.Local.Datasets()
		if err != nil {
			s.logger.WarnContext(r.Context(), "list local datasets", "error", err)
			respondJSON(w, map[string]any{"datasets": datasets, "error": err.Error()}, http.StatusOK)
			return
		}
		datasets = append(datasets, found...)
	}
	respondJSON(w, map[string]any{"datasets": datasets}, http.StatusOK)
}

// StartResponse previews the job a websocket session would run.
type StartResponse struct {
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	ScriptPreview string          `json:"script_preview"`
	Config        training.Config `json:"config"`
}

func (s *Server) handleTrainingStart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	cfg, err := training.Decode(body)
	if err != nil {
		respondJSON(w, validationError(err), http.StatusUnprocessableEntity)
		return
	}
	if _, busy := s.opts.Slot.Active(); busy {
		respondError(w, http.StatusConflict, "Training already in progress")
		return
	}
	script, err := scriptgen.Synthesize(cfg)
	if err != nil {
		respondJSON(w, validationError(err), http.StatusUnprocessableEntity)
		return
	}

	respondJSON(w, StartResponse{
		Status:        "ready",
		Message:       "Training configuration validated. Connect to /ws/training to start.",
		ScriptPreview: preview(script.Text),
		Config:        cfg,
	}, http.StatusOK)
}

func preview(text string) string {
	if len(text) <= previewLen {
		return text
	}
	return text[:previewLen] + "..."
}

func (s *Server) handleTrainingStop(w http.ResponseWriter, r *http.Request) {
	lease, active := s.opts.Slot.Active()
	if !active {
		respondJSON(w, map[string]string{"status": "idle", "message": "No training job running"}, http.StatusOK)
		return
	}
	lease.Abort()
	s.logger.InfoContext(r.Context(), "stop requested", "session_id", lease.ID)
	respondJSON(w, map[string]string{
		"status":     "stopped",
		"message":    "Training job terminated",
		"session_id": lease.ID,
	}, http.StatusOK)
}
