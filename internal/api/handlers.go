package api

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/cloudapi"
	"github.com/BTreeMap/OrderPipe/internal/conversation"
	"github.com/BTreeMap/OrderPipe/internal/models"
)

// webhookHandler serves the Meta verification handshake and inbound Cloud API events.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.verifyWebhookHandler(w, r)
	case http.MethodPost:
		s.receiveWebhookHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	challenge, ok := cloudapi.VerifySubscription(r.URL.Query(), s.settings.Current().WhatsApp.VerifyToken)
	if !ok {
		slog.Warn("Server.verifyWebhookHandler: verification rejected", "mode", r.URL.Query().Get("hub.mode"))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("Server.verifyWebhookHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

func (s *Server) receiveWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if s.cloud == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("WhatsApp Cloud API is not enabled"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("Server.receiveWebhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid body"))
		return
	}
	n, err := s.cloud.HandleWebhook(body)
	if err != nil {
		slog.Warn("Server.receiveWebhookHandler: invalid payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid webhook payload"))
		return
	}
	if n == 0 {
		// Statuses and unsupported message types are acknowledged and dropped.
		writeJSONResponse(w, http.StatusOK, models.Ignored("no user messages"))
		return
	}
	slog.Debug("Server.receiveWebhookHandler: messages queued", "count", n)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"received": n}))
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if s.twilio == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Twilio is not enabled"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	s.twilio.TwilioWebhookHandler(w, r)
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SessionID        string `json:"sessionId"`
	Text             string `json:"text"`
	SelectedOptionID string `json:"selectedOptionId,omitempty"`
}

// chatHandler runs one web widget turn synchronously and returns the bot response.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: sessionId"))
		return
	}

	res, err := s.proc.HandleInbound(r.Context(), models.InboundMessage{
		Channel:          models.ChannelWeb,
		From:             req.SessionID,
		Text:             req.Text,
		SelectedOptionID: req.SelectedOptionID,
		ReceivedAt:       time.Now(),
	})
	if err != nil {
		if errors.Is(err, models.ErrTextTooLong) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.chatHandler: turn failed", "session", req.SessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	switch res.Outcome {
	case conversation.OutcomeReplied:
		writeJSONResponse(w, http.StatusOK, models.Success(res.Response))
	case conversation.OutcomeThrottled:
		writeJSONResponse(w, http.StatusTooManyRequests, models.Error("Too many messages, please wait"))
	default:
		writeJSONResponse(w, http.StatusOK, models.Ignored(string(res.Outcome)))
	}
}

// mediaHandler serves a flow node's inline image.
func (s *Server) mediaHandler(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeId")
	node, ok := s.settings.Current().Flow.Node(nodeID)
	if !ok || node.MediaBase64 == "" {
		http.Error(w, "media not found", http.StatusNotFound)
		return
	}
	contentType, data, err := decodeDataURL(node.MediaBase64)
	if err != nil {
		slog.Error("Server.mediaHandler: invalid inline media", "node", nodeID, "error", err)
		http.Error(w, "invalid media", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("Server.mediaHandler: write failed", "node", nodeID, "error", err)
	}
}

var errInvalidDataURL = errors.New("invalid data url")

// decodeDataURL splits "data:image/png;base64,...." into its type and bytes. The type
// defaults to image/jpeg.
func decodeDataURL(raw string) (string, []byte, error) {
	header, payload, ok := strings.Cut(raw, ",")
	if !ok || payload == "" {
		return "", nil, errInvalidDataURL
	}
	contentType := "image/jpeg"
	if mediaType, found := strings.CutPrefix(header, "data:"); found {
		mediaType, _, _ = strings.Cut(mediaType, ";")
		if mediaType != "" {
			contentType = mediaType
		}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errors.Join(errInvalidDataURL, err)
	}
	return contentType, data, nil
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"business":  s.settings.Current().BusinessName,
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}

// staffOnly requires the API webhook secret as a bearer token when one is configured.
func (s *Server) staffOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := s.settings.Current().API.WebhookSecret
		if secret != "" {
			token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				slog.Warn("Server.staffOnly: unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
				return
			}
		}
		next(w, r)
	}
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}
