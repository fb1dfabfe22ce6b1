package webserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// activationRequest POST /api/activation 请求体
type activationRequest struct {
	Active *bool `json:"active"`
}

func (ws *WebServer) handleGetActivation(w http.ResponseWriter, r *http.Request) {
	ws.writeJSON(w, http.StatusOK, map[string]bool{"active": ws.controller.IsActive()})
}

func (ws *WebServer) handleSetActivation(w http.ResponseWriter, r *http.Request) {
	var req activationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		ws.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Active == nil {
		ws.writeError(w, http.StatusBadRequest, errors.New("field 'active' is required"))
		return
	}

	if err := ws.controller.SetActive(*req.Active); err != nil {
		ws.logger.Errorf("❌ Failed to set activation: %v", err)
		ws.writeError(w, http.StatusInternalServerError, err)
		return
	}
	ws.writeJSON(w, http.StatusOK, map[string]bool{"active": ws.controller.IsActive()})
}

func (ws *WebServer) handleToggleActivation(w http.ResponseWriter, r *http.Request) {
	active, err := ws.controller.ToggleActive()
	if err != nil {
		ws.logger.Errorf("❌ Failed to toggle activation: %v", err)
		ws.writeError(w, http.StatusInternalServerError, err)
		return
	}
	ws.writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

func (ws *WebServer) handleRemoteStart(w http.ResponseWriter, r *http.Request) {
	if err := ws.controller.StartRemote(); err != nil {
		ws.writeRemoteError(w, err)
		return
	}
	ws.writeRemoteStats(w, http.StatusAccepted)
}

func (ws *WebServer) handleRemoteStop(w http.ResponseWriter, r *http.Request) {
	if err := ws.controller.StopRemote(); err != nil {
		ws.writeRemoteError(w, err)
		return
	}
	ws.writeRemoteStats(w, http.StatusOK)
}

func (ws *WebServer) handleRemoteStats(w http.ResponseWriter, r *http.Request) {
	ws.writeRemoteStats(w, http.StatusOK)
}

func (ws *WebServer) writeRemoteStats(w http.ResponseWriter, code int) {
	stats, err := ws.controller.RemoteStats()
	if err != nil {
		ws.writeRemoteError(w, err)
		return
	}
	ws.writeJSON(w, code, stats)
}

func (ws *WebServer) writeRemoteError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrRemoteUnavailable) {
		ws.writeError(w, http.StatusConflict, err)
		return
	}
	ws.logger.Errorf("❌ Remote control failed: %v", err)
	ws.writeError(w, http.StatusInternalServerError, err)
}

// handlePreview 以 PNG 返回最近一次替换帧
func (ws *WebServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	frame, ok := ws.controller.LatestFrame()
	if !ok {
		ws.writeError(w, http.StatusNotFound, errors.New("no substitute frame available"))
		return
	}
	defer frame.Release()

	img, err := media.FrameToImage(frame.Frame)
	if err != nil {
		ws.logger.Warnf("⚠️ Preview conversion failed (%s %dx%d): %v",
			frame.Frame.Format, frame.Frame.Width, frame.Frame.Height, err)
		ws.writeError(w, http.StatusInternalServerError, err)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		ws.writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
