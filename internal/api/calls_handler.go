package api

import (
	"net/http"
	"time"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/directory"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/quality"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/session"
)

// CallsHandler drives 1:1 call sessions over HTTP.
type CallsHandler struct {
	log   calllog.Logger
	mgr   *session.Manager
	class media.DeviceClass
}

// NewCallsHandler builds the 1:1 call handler. The engine supplies the
// device class used to clamp requested video tiers.
func NewCallsHandler(mgr *session.Manager, engine media.Engine) *CallsHandler {
	return &CallsHandler{
		log:   calllog.L().Named("api"),
		mgr:   mgr,
		class: engine.Class(),
	}
}

// RegisterRoutes mounts the call routes. Only the start endpoint is rate
// limited; the rest operate on calls that already exist.
func (h *CallsHandler) RegisterRoutes(mux *http.ServeMux, limiter *RateLimiter) {
	mux.HandleFunc("POST /api/calls", limiter.Middleware(h.handleStart))
	mux.HandleFunc("GET /api/calls/active", h.handleActive)
	mux.HandleFunc("POST /api/calls/{id}/accept", h.handleAccept)
	mux.HandleFunc("POST /api/calls/{id}/reject", h.handleReject)
	mux.HandleFunc("POST /api/calls/{id}/end", h.handleEnd)
	mux.HandleFunc("POST /api/calls/{id}/mute", h.handleMute)
	mux.HandleFunc("POST /api/calls/{id}/video", h.handleVideo)
	mux.HandleFunc("POST /api/calls/{id}/camera/flip", h.handleFlipCamera)
	mux.HandleFunc("POST /api/calls/{id}/tier", h.handleTier)
	mux.HandleFunc("GET /api/calls/{id}/quality", h.handleQuality)
}

type startCallRequest struct {
	CalleeID string             `json:"callee_id"`
	ChatID   string             `json:"chat_id"`
	CallType callstore.CallType `json:"call_type"`
}

type callState struct {
	CallID   string             `json:"call_id"`
	State    session.State      `json:"state"`
	Role     session.Role       `json:"role"`
	Remote   directory.Profile  `json:"remote"`
	CallType callstore.CallType `json:"call_type"`
	Muted    bool               `json:"muted"`
	VideoOff bool               `json:"video_off"`
	Tier     media.VideoTier    `json:"tier"`
}

func snapshotSession(s *session.CallSession) callState {
	return callState{
		CallID:   s.CallID(),
		State:    s.State(),
		Role:     s.Role(),
		Remote:   s.RemoteProfile(),
		CallType: s.CallType(),
		Muted:    s.Muted(),
		VideoOff: s.VideoOff(),
		Tier:     s.Tier(),
	}
}

func (h *CallsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CalleeID == "" || req.ChatID == "" {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "callee_id and chat_id are required"})
		return
	}
	switch req.CallType {
	case "":
		req.CallType = callstore.CallTypeVoice
	case callstore.CallTypeVoice, callstore.CallTypeVideo:
	default:
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "call_type must be voice or video"})
		return
	}

	sess, err := h.mgr.StartCall(r.Context(), req.CalleeID, req.ChatID, req.CallType)
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Info("call started over api",
		calllog.String("call_id", sess.CallID()), calllog.String("callee_id", req.CalleeID))
	writeJSON(w, http.StatusCreated, snapshotSession(sess))
}

func (h *CallsHandler) handleActive(w http.ResponseWriter, _ *http.Request) {
	sess := h.mgr.Active()
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active call"})
		return
	}
	writeJSON(w, http.StatusOK, snapshotSession(sess))
}

func (h *CallsHandler) handleAccept(w http.ResponseWriter, r *http.Request) {
	sess, err := h.mgr.AcceptCall(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotSession(sess))
}

func (h *CallsHandler) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.RejectCall(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (h *CallsHandler) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.EndCall(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// lookup resolves the session for the path id, answering 404 itself when
// the call is unknown to this manager.
func (h *CallsHandler) lookup(w http.ResponseWriter, r *http.Request) *session.CallSession {
	sess := h.mgr.Session(r.PathValue("id"))
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such call session"})
	}
	return sess
}

func (h *CallsHandler) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess := h.lookup(w, r)
	if sess == nil {
		return
	}
	sess.SetMuted(req.Muted)
	writeJSON(w, http.StatusOK, snapshotSession(sess))
}

func (h *CallsHandler) handleVideo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Off bool `json:"off"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess := h.lookup(w, r)
	if sess == nil {
		return
	}
	if err := sess.SetVideoOff(req.Off); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotSession(sess))
}

func (h *CallsHandler) handleFlipCamera(w http.ResponseWriter, r *http.Request) {
	sess := h.lookup(w, r)
	if sess == nil {
		return
	}
	if err := sess.FlipCamera(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotSession(sess))
}

func (h *CallsHandler) handleTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier string `json:"tier"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	tier, err := media.ParseTier(req.Tier, h.class)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sess := h.lookup(w, r)
	if sess == nil {
		return
	}
	if err := sess.SetTier(r.Context(), tier); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotSession(sess))
}

type qualitySample struct {
	At            time.Time `json:"at"`
	RTTMs         float64   `json:"rtt_ms"`
	JitterMs      float64   `json:"jitter_ms"`
	PacketLossPct float64   `json:"packet_loss_pct"`
	AudioKbps     float64   `json:"audio_kbps"`
	VideoKbps     float64   `json:"video_kbps"`
	Level         string    `json:"level"`
	Path          string    `json:"path"`
}

func toQualitySample(s quality.Sample) qualitySample {
	return qualitySample{
		At:            s.At,
		RTTMs:         s.RTT.Seconds() * 1000,
		JitterMs:      s.Jitter.Seconds() * 1000,
		PacketLossPct: s.PacketLossPct,
		AudioKbps:     s.AudioKbps,
		VideoKbps:     s.VideoKbps,
		Level:         s.Level.String(),
		Path:          string(s.Path),
	}
}

func (h *CallsHandler) handleQuality(w http.ResponseWriter, r *http.Request) {
	sess := h.lookup(w, r)
	if sess == nil {
		return
	}
	resp := struct {
		Current *qualitySample  `json:"current"`
		History []qualitySample `json:"history"`
	}{
		History: []qualitySample{},
	}
	if sample, ok := sess.Quality(); ok {
		dto := toQualitySample(sample)
		resp.Current = &dto
	}
	for _, s := range sess.QualityHistory(30) {
		resp.History = append(resp.History, toQualitySample(s))
	}
	writeJSON(w, http.StatusOK, resp)
}
