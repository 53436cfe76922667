package broker

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"autochat/pkg/models"
	"autochat/pkg/utils"
)

// resolveRequest mirrors the client's find-or-create request.
type resolveRequest struct {
	Subject      string               `json:"subject,omitempty"`
	Type         string               `json:"type,omitempty"`
	Participants []models.Participant `json:"participants"`
}

// RegisterRoutes attaches the REST fallback surface under /v1 and the
// socket endpoint at /ws.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", s.hub.ServeWS)
	r.HandleFunc("/v1/conversations", s.requireKey(s.handleResolveConversation)).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/messages", s.requireKey(s.handleListMessages)).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/messages", s.requireKey(s.handlePostMessage)).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/messages/{mid}", s.requireKey(s.handleEditMessage)).Methods(http.MethodPut)
	r.HandleFunc("/v1/conversations/{id}/messages/{mid}", s.requireKey(s.handleDeleteMessage)).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.apiKey {
				utils.JSONFail(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}
		next(w, r)
	}
}

// handleResolveConversation finds the conversation for the subject and
// exact participant set, creating it on first contact.
func (s *Server) handleResolveConversation(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Participants) == 0 {
		utils.JSONFail(w, http.StatusBadRequest, "participants required")
		return
	}
	if req.Type == "" {
		req.Type = models.TypeListing
	}
	if req.Type == models.TypeListing && req.Subject == "" {
		utils.JSONFail(w, http.StatusBadRequest, "subject required for listing conversations")
		return
	}
	ids := make([]string, 0, len(req.Participants))
	for _, p := range req.Participants {
		if p.ID == "" {
			utils.JSONFail(w, http.StatusBadRequest, "participant id required")
			return
		}
		ids = append(ids, p.ID)
	}
	conv, ok, err := s.log.FindConversation(req.Subject, req.Type, ids)
	if err != nil {
		utils.JSONFail(w, http.StatusInternalServerError, "failed to look up conversation")
		return
	}
	if !ok {
		conv, err = s.log.CreateConversation(req.Subject, req.Type, req.Participants)
		if err != nil {
			utils.JSONFail(w, http.StatusInternalServerError, "failed to create conversation")
			return
		}
	}
	_ = utils.JSONOK(w, 0, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	if _, err := s.log.GetConversation(convID); err != nil {
		utils.JSONFail(w, http.StatusNotFound, "conversation not found")
		return
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			utils.JSONFail(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = n
	}
	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			utils.JSONFail(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := s.log.ListMessages(convID, after, limit)
	if err != nil {
		utils.JSONFail(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	_ = utils.JSONOK(w, 0, map[string]any{"messages": msgs})
}

// handlePostMessage accepts a message over REST. The confirmed message is
// also broadcast to the room so socket-connected members converge.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	conv, err := s.log.GetConversation(convID)
	if err != nil {
		utils.JSONFail(w, http.StatusNotFound, "conversation not found")
		return
	}
	var p models.SendMessagePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.JSONFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(p.Body) == "" {
		utils.JSONFail(w, http.StatusBadRequest, "message body required")
		return
	}
	if !conv.HasParticipant(p.Sender.ID) {
		utils.JSONFail(w, http.StatusForbidden, "sender is not a participant")
		return
	}
	p.ConversationID = convID
	m, err := s.hub.acceptMessage(p)
	if err != nil {
		utils.JSONFail(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	s.hub.Broadcast(convID, models.EventNewMessage, models.MessagePayload{
		ConversationID: convID,
		Message:        m,
	})
	_ = utils.JSONOK(w, 0, m)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	convID, msgID := vars["id"], vars["mid"]
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		utils.JSONFail(w, http.StatusBadRequest, "message body required")
		return
	}
	m, err := s.log.GetMessage(msgID)
	if err != nil || m.Conversation != convID {
		utils.JSONFail(w, http.StatusNotFound, "message not found")
		return
	}
	if m.Deleted {
		utils.JSONFail(w, http.StatusConflict, "message is deleted")
		return
	}
	m.Body = req.Body
	m.Edited = true
	m.EditedTS = time.Now().UTC().UnixNano()
	if err := s.log.UpdateMessage(m); err != nil {
		utils.JSONFail(w, http.StatusInternalServerError, "failed to update message")
		return
	}
	s.hub.Broadcast(convID, models.EventMessageUpdated, models.MessagePayload{
		ConversationID: convID,
		Message:        m,
	})
	_ = utils.JSONOK(w, 0, m)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	convID, msgID := vars["id"], vars["mid"]
	m, err := s.log.GetMessage(msgID)
	if err != nil || m.Conversation != convID {
		utils.JSONFail(w, http.StatusNotFound, "message not found")
		return
	}
	if _, err := s.hub.deleteMessage(msgID); err != nil {
		utils.JSONFail(w, http.StatusInternalServerError, "failed to delete message")
		return
	}
	s.hub.Broadcast(convID, models.EventMessageDeleted, models.DeletePayload{
		ConversationID: convID,
		MessageID:      msgID,
	})
	_ = utils.JSONOK(w, 0, nil)
}
