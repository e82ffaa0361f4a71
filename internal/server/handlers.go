package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mireapprove/backend/internal/auth"
	"github.com/mireapprove/backend/internal/bot"
	"github.com/mireapprove/backend/internal/marking"
	"github.com/mireapprove/backend/internal/model"
	"github.com/mireapprove/backend/internal/storage"
)

const defaultExternalTokenTTL = 10 * time.Minute

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// verifyCaller authenticates a Mini App request via its signed initData and
// returns the Telegram id. Writes the 401 itself on failure.
func (s *Server) verifyCaller(w http.ResponseWriter, r *http.Request, initData string) (int64, bool) {
	if initData == "" {
		initData = r.URL.Query().Get("initData")
	}
	tgID, err := auth.VerifyInitData(initData, s.cfg.BotToken)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "initData verification failed")
		return 0, false
	}
	return tgID, true
}

type registerRequest struct {
	InitData string `json:"init_data"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	tgID, ok := s.verifyCaller(w, r, req.InitData)
	if !ok {
		return
	}

	if err := s.broker.Register(r.Context(), tgID); err != nil {
		writeBrokerError(w, r, s.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "registered"})
}

type loginRequest struct {
	InitData string `json:"init_data"`
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	Status string   `json:"status"`
	Groups []string `json:"groups"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	tgID, ok := s.verifyCaller(w, r, req.InitData)
	if !ok {
		return
	}
	if req.Login == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "login and password are required")
		return
	}

	groups, err := s.broker.SubmitLogin(r.Context(), tgID, req.Login, req.Password)
	if err != nil {
		writeBrokerError(w, r, s.logger, err)
		return
	}
	if groups == nil {
		groups = []string{}
	}
	writeJSON(w, r, http.StatusOK, loginResponse{Status: "authorized", Groups: groups})
}

type submitCodeRequest struct {
	InitData string `json:"init_data"`
	Code     string `json:"code"`
}

func (s *Server) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	var req submitCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	tgID, ok := s.verifyCaller(w, r, req.InitData)
	if !ok {
		return
	}
	if req.Code == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "code is required")
		return
	}

	if err := s.broker.SubmitCode(r.Context(), tgID, req.Code); err != nil {
		writeBrokerError(w, r, s.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "authorized"})
}

type identityResponse struct {
	UUID       string `json:"uuid"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Patronymic string `json:"patronymic,omitempty"`
	Email      string `json:"email,omitempty"`
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	tgID, ok := s.verifyCaller(w, r, "")
	if !ok {
		return
	}

	id, err := s.broker.GetIdentity(r.Context(), tgID)
	if err != nil {
		writeBrokerError(w, r, s.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, identityResponse{
		UUID:       id.UUID,
		FirstName:  id.FirstName,
		LastName:   id.LastName,
		Patronymic: id.Patronymic,
		Email:      id.Email,
	})
}

// handleVisits proxies the attendance log payload through as-is. The portal
// already returns JSON; the broker does not reinterpret it.
func (s *Server) handleVisits(w http.ResponseWriter, r *http.Request) {
	tgID, ok := s.verifyCaller(w, r, "")
	if !ok {
		return
	}

	payload, err := s.broker.VisitingLogs(r.Context(), tgID)
	if err != nil {
		writeBrokerError(w, r, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type groupMember struct {
	TelegramID int64  `json:"tg_id"`
	FIO        string `json:"fio"`
}

type groupResponse struct {
	Group   string        `json:"group"`
	Members []groupMember `json:"members"`
}

// handleGroupMembers lists the caller's groupmates who stored credentials and
// opted into being marked. The Mini App builds mass-marking target lists from
// this roster.
func (s *Server) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	tgID, ok := s.verifyCaller(w, r, "")
	if !ok {
		return
	}

	user, err := s.store.GetUser(r.Context(), tgID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not registered")
		return
	}
	if err != nil {
		s.logger.Error("load user", "tg_id", tgID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}

	members := []groupMember{}
	if user.Group != "" {
		users, err := s.store.ListGroupConfirmers(r.Context(), user.Group)
		if err != nil {
			s.logger.Error("list group confirmers", "group", user.Group, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
			return
		}
		for _, u := range users {
			members = append(members, groupMember{TelegramID: u.TelegramID, FIO: u.FIO})
		}
	}
	writeJSON(w, r, http.StatusOK, groupResponse{Group: user.Group, Members: members})
}

type approveRequest struct {
	InitData string `json:"init_data"`
	URL      string `json:"url"`
}

type approveResponse struct {
	Status     string `json:"status"`
	Group      string `json:"group,omitempty"`
	Discipline string `json:"discipline,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	tgID, ok := s.verifyCaller(w, r, req.InitData)
	if !ok {
		return
	}

	token, err := marking.TakeToken(req.URL)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "url carries no token")
		return
	}

	text, err := s.broker.SelfApprove(r.Context(), tgID, token)
	if err != nil {
		writeBrokerError(w, r, s.logger, err)
		return
	}

	info := marking.ExtractInfo(text)
	if !info.Recognized() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "QR код истёк или неверный ответ")
		return
	}
	writeJSON(w, r, http.StatusOK, approveResponse{
		Status:     "approved",
		Group:      info.Group,
		Discipline: info.Subject,
	})
}

type markingStartRequest struct {
	InitData string  `json:"init_data"`
	URL      string  `json:"url"`
	Targets  []int64 `json:"targets"`
}

func (s *Server) handleMarkingStart(w http.ResponseWriter, r *http.Request) {
	var req markingStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	tgID, ok := s.verifyCaller(w, r, req.InitData)
	if !ok {
		return
	}
	if !s.canConfirm(w, r, tgID) {
		return
	}

	sessionID, err := s.marker.Start(r.Context(), tgID, req.URL, req.Targets)
	if err != nil {
		writeMarkingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

// canConfirm checks the caller is allowed to mark other people. Writes the
// error response itself when not.
func (s *Server) canConfirm(w http.ResponseWriter, r *http.Request, tgID int64) bool {
	user, err := s.store.GetUser(r.Context(), tgID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not registered")
		return false
	}
	if err != nil {
		s.logger.Error("load user", "tg_id", tgID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return false
	}
	if !user.AllowConfirm && user.AdminLevel < model.AdminLevelBasic {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "mass marking is not allowed for this account")
		return false
	}
	return true
}

type markingStatusResponse struct {
	SessionID  string              `json:"session_id"`
	Status     model.MarkingStatus `json:"status"`
	Total      int                 `json:"total"`
	Processed  int                 `json:"processed"`
	Successful int                 `json:"successful"`
	Failed     int                 `json:"failed"`
	Remaining  int                 `json:"remaining"`
	Group      string              `json:"group,omitempty"`
	Discipline string              `json:"discipline,omitempty"`
	Results    []model.MarkOutcome `json:"results"`
	Error      string              `json:"error,omitempty"`
}

func (s *Server) handleMarkingStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verifyCaller(w, r, ""); !ok {
		return
	}

	sess, err := s.marker.Status(r.PathValue("id"))
	if err != nil {
		writeMarkingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, markingStatusResponse{
		SessionID:  sess.ID,
		Status:     sess.Status,
		Total:      sess.Total,
		Processed:  sess.Processed,
		Successful: sess.Successful,
		Failed:     sess.Failed,
		Remaining:  len(sess.Remaining),
		Group:      sess.Group,
		Discipline: sess.Discipline,
		Results:    sess.Results,
		Error:      sess.Error,
	})
}

type markingContinueRequest struct {
	InitData string `json:"init_data"`
	URL      string `json:"url"`
}

func (s *Server) handleMarkingContinue(w http.ResponseWriter, r *http.Request) {
	var req markingContinueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	tgID, ok := s.verifyCaller(w, r, req.InitData)
	if !ok {
		return
	}

	requeued, err := s.marker.Continue(r.Context(), r.PathValue("id"), tgID, req.URL)
	if err != nil {
		writeMarkingError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]int{"requeued": requeued})
}

func writeMarkingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, marking.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "marking session not found")
	case errors.Is(err, marking.ErrNotOwner):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your marking session")
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	}
}

// handleWebhook accepts Telegram updates. Always answers 200: a non-2xx
// makes Telegram redeliver the same update in a loop.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// Telegram sends far more fields than the bridge consumes; strict
	// decoding would reject every real update.
	var upd bot.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.logger.Warn("malformed webhook payload", "error", err)
		writeJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	s.bridge.HandleUpdate(r.Context(), upd)
	writeJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
}

type externalRegisterRequest struct {
	Token      string `json:"token"`
	TTLMinutes int    `json:"ttl_minutes,omitempty"`
}

type externalTokenResponse struct {
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// checkAPIKey guards the trusted-service routes via the X-API-Key header.
func (s *Server) checkAPIKey(w http.ResponseWriter, r *http.Request) bool {
	if err := auth.CheckAPIKey(r.Header.Get("X-API-Key"), s.cfg.TrustedAPIKey); err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
		return false
	}
	return true
}

func (s *Server) handleExternalRegister(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(w, r) {
		return
	}

	var req externalRegisterRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "token is required")
		return
	}

	now := time.Now()
	exp, err := auth.InspectExternalToken(req.Token, now)
	if errors.Is(err, auth.ErrTokenExpired) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "token already expired")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unparseable token")
		return
	}

	ttl := defaultExternalTokenTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}
	expiresAt := now.Add(ttl)
	// A JWT that expires sooner than the requested TTL caps the approval
	// window; holding a dead token pending is pointless.
	if !exp.IsZero() && exp.Before(expiresAt) {
		expiresAt = exp
	}

	err = s.store.CreateExternalToken(r.Context(), model.ExternalToken{
		Token:     req.Token,
		Status:    "pending",
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		s.logger.Error("register external token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}
	writeJSON(w, r, http.StatusCreated, externalTokenResponse{Status: "pending", ExpiresAt: expiresAt})
}

func (s *Server) handleExternalStatus(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(w, r) {
		return
	}

	tok, err := s.store.GetExternalToken(r.Context(), r.PathValue("token"), time.Now())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "token unknown or expired")
		return
	}
	if err != nil {
		s.logger.Error("load external token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}
	writeJSON(w, r, http.StatusOK, externalTokenResponse{Status: tok.Status, ExpiresAt: tok.ExpiresAt})
}

func (s *Server) handleExternalReject(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(w, r) {
		return
	}

	err := s.store.SetExternalTokenStatus(r.Context(), r.PathValue("token"), "rejected")
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "token unknown")
		return
	}
	if err != nil {
		s.logger.Error("reject external token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}
	writeJSON(w, r, http.StatusOK, externalTokenResponse{Status: "rejected"})
}
