package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/conversation"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// StaffReplyRequest is the body of POST /conversations/{id}/reply.
type StaffReplyRequest struct {
	Text string `json:"text"`
}

// listConversationsHandler handles GET /conversations?pending=true&limit=N
func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	opts := store.ListOptions{Limit: limit, PendingOnly: r.URL.Query().Get("pending") == "true"}
	sessions, err := s.st.ListSessions(r.Context(), opts)
	if err != nil {
		slog.Error("Server.listConversationsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list conversations"))
		return
	}
	if sessions == nil {
		sessions = []models.ConversationSession{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

// getConversationHandler handles GET /conversations/{id}
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.st.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, "getConversationHandler", id, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// listMessagesHandler handles GET /conversations/{id}/messages?limit=N
func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, err := limitParam(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	msgs, err := s.st.ListMessages(r.Context(), id, store.ListOptions{Limit: limit})
	if err != nil {
		writeStoreError(w, "listMessagesHandler", id, err)
		return
	}
	if msgs == nil {
		msgs = []models.ConversationMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// staffReplyHandler handles POST /conversations/{id}/reply
func (s *Server) staffReplyHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req StaffReplyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	sess, err := s.proc.StaffReply(r.Context(), id, strings.TrimSpace(req.Text))
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Reply sent", sess))
	case errors.Is(err, conversation.ErrEmptyStaffText), errors.Is(err, models.ErrTextTooLong),
		errors.Is(err, models.ErrUnknownChannel), errors.Is(err, models.ErrEmptyConversationID):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		writeStoreError(w, "staffReplyHandler", id, err)
	}
}

// resetConversationHandler handles POST /conversations/{id}/reset
func (s *Server) resetConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.proc.Reset(r.Context(), id)
	if err != nil {
		writeStoreError(w, "resetConversationHandler", id, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation reset", sess))
}

// markReadHandler handles POST /conversations/{id}/read
func (s *Server) markReadHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.proc.MarkRead(r.Context(), id); err != nil {
		writeStoreError(w, "markReadHandler", id, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Marked as read", nil))
}

// listOrdersHandler handles GET /orders?limit=N
func (s *Server) listOrdersHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	orders, err := s.st.ListOrders(r.Context(), store.ListOptions{Limit: limit})
	if err != nil {
		slog.Error("Server.listOrdersHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list orders"))
		return
	}
	if orders == nil {
		orders = []models.OrderRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(orders))
}

func writeStoreError(w http.ResponseWriter, handler, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	slog.Error("Server."+handler+": store error", "conversation", id, "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
}
