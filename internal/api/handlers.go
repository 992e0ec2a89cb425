// Package api provides HTTP handlers for FormFlow endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FormFlow/internal/models"
)

const handlerTimeout = 10 * time.Second

// healthHandler reports service liveness (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listConversationsHandler returns all conversations (GET /conversations).
func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.listConversationsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.listConversationsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	conversations, err := s.st.ListConversations(ctx)
	if err != nil {
		slog.Error("Server.listConversationsHandler: failed to list conversations", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list conversations"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conversations))
}

// conversationSubtreeHandler routes /conversations/{id} and
// /conversations/{id}/artifact.
func (s *Server) conversationSubtreeHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.getConversationHandler(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "artifact":
		s.getArtifactHandler(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// getConversationHandler returns one conversation (GET /conversations/{id}).
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request, conversationID string) {
	slog.Debug("Server.getConversationHandler: processing request", "conversationID", conversationID)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	conv, err := s.st.GetConversation(ctx, conversationID)
	if err != nil {
		slog.Error("Server.getConversationHandler: failed to get conversation", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// getArtifactHandler serves the generated document for a conversation
// (GET /conversations/{id}/artifact). The raw bytes are returned with the
// artifact's content type so delivery channels can fetch it by URL.
func (s *Server) getArtifactHandler(w http.ResponseWriter, r *http.Request, conversationID string) {
	slog.Debug("Server.getArtifactHandler: processing request", "conversationID", conversationID)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	artifact, err := s.st.GetArtifact(ctx, conversationID)
	if err != nil {
		slog.Error("Server.getArtifactHandler: failed to get artifact", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get artifact"))
		return
	}
	if artifact == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Artifact not found"))
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.FileName))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(artifact.Content); err != nil {
		slog.Error("Server.getArtifactHandler: failed to write artifact", "error", err, "conversationID", conversationID)
	}
}

func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), handlerTimeout)
}
