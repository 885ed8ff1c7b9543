package api

import (
	"net/http"
	"sync"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/directory"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/mesh"
)

// GroupsHandler drives group call coordinators over HTTP. It keeps the
// live coordinators; a coordinator drops out of the registry when its
// call ends, from whichever side.
type GroupsHandler struct {
	log  calllog.Logger
	deps mesh.Deps

	mu    sync.Mutex
	rooms map[string]*mesh.Coordinator
}

// NewGroupsHandler builds the group call handler.
func NewGroupsHandler(deps mesh.Deps) *GroupsHandler {
	return &GroupsHandler{
		log:   calllog.L().Named("api"),
		deps:  deps,
		rooms: make(map[string]*mesh.Coordinator),
	}
}

// RegisterRoutes mounts the group routes. Start and join are rate
// limited; they acquire media and fan out signaling writes.
func (h *GroupsHandler) RegisterRoutes(mux *http.ServeMux, limiter *RateLimiter) {
	mux.HandleFunc("POST /api/groups", limiter.Middleware(h.handleStart))
	mux.HandleFunc("POST /api/groups/{id}/join", limiter.Middleware(h.handleJoin))
	mux.HandleFunc("GET /api/groups/{id}", h.handleGet)
	mux.HandleFunc("POST /api/groups/{id}/leave", h.handleLeave)
	mux.HandleFunc("POST /api/groups/{id}/invite", h.handleInvite)
	mux.HandleFunc("POST /api/groups/{id}/mute", h.handleMute)
	mux.HandleFunc("POST /api/groups/{id}/video", h.handleVideo)
	mux.HandleFunc("POST /api/groups/{id}/screenshare", h.handleScreenShare)
}

// onUpdate evicts coordinators whose calls have ended. Roster and track
// updates are read back through the coordinator accessors on demand.
func (h *GroupsHandler) onUpdate(u mesh.Update) {
	if u.Kind != mesh.UpdateEnded {
		return
	}
	h.mu.Lock()
	delete(h.rooms, u.CallID)
	h.mu.Unlock()
}

type groupMember struct {
	directory.Profile
	Status    callstore.ParticipantStatus `json:"status"`
	Muted     bool                        `json:"muted"`
	VideoOff  bool                        `json:"video_off"`
	Sharing   bool                        `json:"screen_sharing"`
	Connected bool                        `json:"connected"`
}

type groupState struct {
	CallID   string             `json:"call_id"`
	ChatID   string             `json:"chat_id"`
	CallType callstore.CallType `json:"call_type"`
	Muted    bool               `json:"muted"`
	VideoOff bool               `json:"video_off"`
	Sharing  bool               `json:"screen_sharing"`
	Members  []groupMember      `json:"members"`
}

func snapshotGroup(c *mesh.Coordinator) groupState {
	st := groupState{
		CallID:   c.CallID(),
		ChatID:   c.ChatID(),
		CallType: c.CallType(),
		Muted:    c.Muted(),
		VideoOff: c.VideoOff(),
		Sharing:  c.Sharing(),
		Members:  []groupMember{},
	}
	for _, m := range c.Members() {
		st.Members = append(st.Members, groupMember{
			Profile:   m.Profile,
			Status:    m.Status,
			Muted:     m.Muted,
			VideoOff:  m.VideoOff,
			Sharing:   m.ScreenSharing,
			Connected: m.Connected,
		})
	}
	return st
}

type startGroupRequest struct {
	ChatID   string             `json:"chat_id"`
	CallType callstore.CallType `json:"call_type"`
	Invitees []string           `json:"invitees"`
}

func (h *GroupsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ChatID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_id is required"})
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

	c, err := mesh.Start(r.Context(), h.deps, req.ChatID, req.CallType, req.Invitees, h.onUpdate)
	if err != nil {
		writeError(w, err)
		return
	}
	h.mu.Lock()
	h.rooms[c.CallID()] = c
	h.mu.Unlock()
	h.log.Info("group call started over api", calllog.String("call_id", c.CallID()))
	writeJSON(w, http.StatusCreated, snapshotGroup(c))
}

func (h *GroupsHandler) handleJoin(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	h.mu.Lock()
	_, already := h.rooms[callID]
	h.mu.Unlock()
	if already {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already in this call"})
		return
	}

	c, err := mesh.Join(r.Context(), h.deps, callID, h.onUpdate)
	if err != nil {
		writeError(w, err)
		return
	}
	h.mu.Lock()
	h.rooms[callID] = c
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, snapshotGroup(c))
}

// room resolves the live coordinator for the path id, answering 404
// itself when this daemon is not in that call.
func (h *GroupsHandler) room(w http.ResponseWriter, r *http.Request) *mesh.Coordinator {
	h.mu.Lock()
	c := h.rooms[r.PathValue("id")]
	h.mu.Unlock()
	if c == nil || c.Ended() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such group call"})
		return nil
	}
	return c
}

func (h *GroupsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	c := h.room(w, r)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, snapshotGroup(c))
}

func (h *GroupsHandler) handleLeave(w http.ResponseWriter, r *http.Request) {
	c := h.room(w, r)
	if c == nil {
		return
	}
	if err := c.Leave(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.mu.Lock()
	delete(h.rooms, c.CallID())
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (h *GroupsHandler) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserIDs []string `json:"user_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.UserIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_ids is required"})
		return
	}
	c := h.room(w, r)
	if c == nil {
		return
	}
	if err := c.Invite(r.Context(), req.UserIDs...); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotGroup(c))
}

func (h *GroupsHandler) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	c := h.room(w, r)
	if c == nil {
		return
	}
	c.SetMuted(r.Context(), req.Muted)
	writeJSON(w, http.StatusOK, snapshotGroup(c))
}

func (h *GroupsHandler) handleVideo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Off bool `json:"off"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	c := h.room(w, r)
	if c == nil {
		return
	}
	if err := c.SetVideoOff(r.Context(), req.Off); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotGroup(c))
}

func (h *GroupsHandler) handleScreenShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sharing bool `json:"sharing"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	c := h.room(w, r)
	if c == nil {
		return
	}
	var err error
	if req.Sharing {
		err = c.StartScreenShare(r.Context())
	} else {
		err = c.StopScreenShare(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotGroup(c))
}
