package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sablecrm/telebridge/internal/store"
	"github.com/sablecrm/telebridge/internal/wire"
)

// MediaArchiver mirrors downloaded attachments to long-term storage. The
// returned key identifies the stored object.
type MediaArchiver interface {
	Archive(ctx context.Context, tenantID, sessionID, chatID, fileName, contentType string, data []byte) (string, error)
}

// WithMediaArchiver attaches an optional archiver; downloads are mirrored
// best-effort after being served.
func (s *Server) WithMediaArchiver(a MediaArchiver) *Server {
	s.media = a
	return s
}

// sessionView is the externally visible session shape. The authorization
// token and pending auth state never leave the process.
type sessionView struct {
	ID              string    `json:"id"`
	PhoneNumber     string    `json:"phoneNumber"`
	RemoteUserID    int64     `json:"remoteUserId,omitempty"`
	IsAuthenticated bool      `json:"isAuthenticated"`
	TenantID        string    `json:"tenantId,omitempty"`
	Generation      string    `json:"generation"`
	LastActivity    time.Time `json:"lastActivity"`
	CreatedAt       time.Time `json:"createdAt"`
}

func viewOf(s *store.Session) sessionView {
	return sessionView{
		ID:              s.ID,
		PhoneNumber:     s.PhoneNumber,
		RemoteUserID:    s.RemoteUserID,
		IsAuthenticated: s.IsAuthenticated,
		TenantID:        s.TenantID,
		Generation:      s.Generation,
		LastActivity:    s.LastActivity,
		CreatedAt:       s.CreatedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, authenticated, connected := s.engine.Counts(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptimeSec":     int(time.Since(s.startedAt).Seconds()),
		"sessions":      total,
		"authenticated": authenticated,
		"connected":     connected,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.ListSessions(r.Context(), r.URL.Query().Get("tenantId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]sessionView, len(sessions))
	for i := range sessions {
		out[i] = viewOf(sessions[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out, "total": len(out)})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID    string `json:"tenantId"`
		PhoneNumber string `json:"phoneNumber"`
		Generation  string `json:"generation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed body: "+err.Error(), 0)
		return
	}
	sess, err := s.engine.CreateSession(r.Context(), req.TenantID, req.PhoneNumber, req.Generation)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleInitiateAuth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.InitiateAuth(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "code_requested"})
}

func (s *Server) handleCompleteAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed body: "+err.Error(), 0)
		return
	}
	sess, err := s.engine.CompleteAuth(r.Context(), r.PathValue("id"), req.Code, req.Password)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

type messageView struct {
	ID       int64  `json:"id"`
	ChatID   int64  `json:"chatId"`
	Text     string `json:"text,omitempty"`
	SentAt   int64  `json:"sentAt"`
	Outgoing bool   `json:"outgoing"`
}

func messageViewOf(m *wire.Message) messageView {
	return messageView{
		ID:       m.ID,
		ChatID:   m.ChatID,
		Text:     m.Text,
		SentAt:   m.SentAt.Unix(),
		Outgoing: m.Outgoing,
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID string `json:"chatId"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed body: "+err.Error(), 0)
		return
	}
	sent, err := s.engine.SendText(r.Context(), r.PathValue("id"), req.ChatID, req.Text)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageViewOf(sent))
}

func (s *Server) handleSendFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID   string `json:"chatId"`
		FileName string `json:"fileName"`
		Data     string `json:"data"` // base64
		Caption  string `json:"caption"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed body: "+err.Error(), 0)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "data is not valid base64", 0)
		return
	}
	sent, err := s.engine.SendFile(r.Context(), r.PathValue("id"), req.ChatID, req.FileName, data, req.Caption)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageViewOf(sent))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "chatId query parameter required", 0)
		return
	}
	limit := intQuery(r, "limit", 20)
	minID, _ := strconv.ParseInt(r.URL.Query().Get("minId"), 10, 64)

	history, err := s.engine.History(r.Context(), r.PathValue("id"), chatID, limit, minID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]messageView, len(history))
	for i := range history {
		out[i] = messageViewOf(&history[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

func (s *Server) handleDialogs(w http.ResponseWriter, r *http.Request) {
	dialogs, err := s.engine.Dialogs(r.Context(), r.PathValue("id"), intQuery(r, "limit", 50))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	type dialogView struct {
		ChatID      int64  `json:"chatId"`
		Title       string `json:"title"`
		UnreadCount int    `json:"unreadCount"`
	}
	out := make([]dialogView, len(dialogs))
	for i := range dialogs {
		out[i] = dialogView{
			ChatID:      dialogs[i].Peer.ID,
			Title:       dialogs[i].Title,
			UnreadCount: dialogs[i].UnreadCount,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dialogs": out})
}

func (s *Server) handleDownloadMedia(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	media := &wire.MediaRef{
		FileID: r.PathValue("fileId"),
	}
	media.Size, _ = strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
	media.FileName = r.URL.Query().Get("fileName")
	media.AccessKey = r.URL.Query().Get("accessKey")

	res, err := s.engine.DownloadMedia(r.Context(), sessionID, media)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if s.media != nil {
		sess, serr := s.engine.Session(r.Context(), sessionID)
		if serr == nil {
			chatID := r.URL.Query().Get("chatId")
			if key, aerr := s.media.Archive(r.Context(), sess.TenantID, sessionID, chatID,
				res.FileName, res.ContentType, res.Data); aerr != nil {
				s.logger.Warn("media archive failed", "session_id", sessionID, "error", aerr)
			} else {
				w.Header().Set("X-Archive-Key", key)
			}
		}
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.FileName+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(res.Data)
}

func (s *Server) handlePollingStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.PollingStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusConflict, "NOT_POLLING", err.Error(), 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chats": status})
}

func (s *Server) handleTrackChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID string `json:"chatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "chatId required", 0)
		return
	}
	if err := s.engine.TrackChat(r.Context(), r.PathValue("id"), req.ChatID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "tracked", "chatId": req.ChatID})
}

func (s *Server) handleUntrackChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID string `json:"chatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "chatId required", 0)
		return
	}
	if err := s.engine.UntrackChat(r.PathValue("id"), req.ChatID); err != nil {
		writeError(w, http.StatusConflict, "NOT_POLLING", err.Error(), 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "untracked", "chatId": req.ChatID})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reconnect(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconnected"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Disconnect(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if _, err := s.engine.Session(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	s.engine.ClearCache(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cache_cleared"})
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "url required", 0)
		return
	}
	if err := s.engine.SetWebhook(r.Context(), r.PathValue("id"), req.URL); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "webhook_set", "url": req.URL})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SetWebhook(r.Context(), r.PathValue("id"), ""); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "webhook_cleared"})
}

func intQuery(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return def
}
