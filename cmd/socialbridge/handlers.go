package main

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/httputil"
	"socialbridge/internal/models"
	"socialbridge/internal/service"
	"socialbridge/internal/validation"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type sendMessageRequest struct {
	Platform         string `json:"platform" validate:"required"`
	Recipient        string `json:"recipient" validate:"required,max=128"`
	Content          string `json:"content" validate:"max=65536"`
	Type             string `json:"type" validate:"omitempty,oneof=text image video audio document template"`
	MediaURL         string `json:"media_url" validate:"omitempty,url"`
	Caption          string `json:"caption"`
	TemplateName     string `json:"template_name"`
	TemplateLanguage string `json:"template_language"`
}

type bulkSendRequest struct {
	Platform   string `json:"platform" validate:"required"`
	Recipients string `json:"recipients" validate:"required"`
	Content    string `json:"content" validate:"required"`
	Type       string `json:"type" validate:"omitempty,oneof=text image video audio document template"`
}

type bulkSendResponse struct {
	Results []service.BulkResult `json:"results"`
	Sent    int                  `json:"sent"`
	Failed  int                  `json:"failed"`
}

type createSendRequestBody struct {
	Platform        string `json:"platform" validate:"required,platform"`
	Recipient       string `json:"recipient" validate:"required,max=128"`
	Content         string `json:"content" validate:"max=65536"`
	Type            string `json:"type" validate:"omitempty,oneof=text image video audio document template"`
	MediaRef        string `json:"media_ref" validate:"omitempty,url"`
	TemplateName    string `json:"template_name"`
	SendImmediately bool   `json:"send_immediately"`
}

type createPostBody struct {
	Content     string              `json:"content" validate:"max=65536"`
	Attachments []models.Attachment `json:"attachments" validate:"dive"`
	Targets     []postTargetBody    `json:"targets" validate:"required,min=1,dive"`
}

type postTargetBody struct {
	ChannelID string `json:"channel_id"`
	Platform  string `json:"platform" validate:"omitempty,platform"`
}

type schedulePostBody struct {
	Time time.Time `json:"time"`
}

type registerChannelBody struct {
	Name              string     `json:"name" validate:"required,max=200"`
	Platform          string     `json:"platform" validate:"required,platform"`
	ExternalAccountID string     `json:"external_account_id" validate:"required,max=128"`
	Organization      string     `json:"organization" validate:"max=200"`
	IsDefault         bool       `json:"is_default"`
	AppID             string     `json:"app_id"`
	AccessToken       string     `json:"access_token" validate:"required"`
	RefreshToken      string     `json:"refresh_token"`
	AppSecret         string     `json:"app_secret"`
	TokenURL          string     `json:"token_url" validate:"omitempty,url"`
	ExpiresAt         *time.Time `json:"expires_at"`
}

type syncBody struct {
	Channel string `json:"channel"`
}

// resultStatus maps an unsuccessful Result to the status of its error code
func resultStatus(result models.Result) int {
	if result.Success {
		return http.StatusOK
	}
	if result.ErrorCode == apperrors.ErrCodeProviderError {
		return http.StatusBadGateway
	}
	return apperrors.HTTPStatusCode(apperrors.New(result.ErrorCode, result.Error))
}

// decode reads and validates a JSON body, writing the error response itself
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := httputil.DecodeJSON(w, r, dst, s.cfg.Server.MaxBodyBytes); err != nil {
		s.writeError(w, r, err)
		return false
	}
	if err := validation.Struct(dst); err != nil {
		s.writeError(w, r, err)
		return false
	}
	return true
}

// pathID returns the validated {id} route variable
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if err := validation.ValidateID("id", id); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return id, true
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body sendMessageRequest
		if !s.decode(w, r, &body) {
			return
		}
		result := s.api.Send(r.Context(), body.Platform, body.Recipient, body.Content, body.Type, models.SendOptions{
			MediaURL:         body.MediaURL,
			Caption:          body.Caption,
			TemplateName:     body.TemplateName,
			TemplateLanguage: body.TemplateLanguage,
		})
		if result.Success && result.Message == "" {
			result.Message = "Message sent"
		}
		httputil.WriteJSON(w, resultStatus(result), result)
	}
}

func (s *Server) handleBulkSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body bulkSendRequest
		if !s.decode(w, r, &body) {
			return
		}
		resp := bulkSendResponse{Results: s.api.BulkSend(r.Context(), body.Platform, body.Recipients, body.Content, body.Type)}
		if resp.Results == nil {
			resp.Results = []service.BulkResult{}
		}
		for _, result := range resp.Results {
			if result.Success {
				resp.Sent++
			} else {
				resp.Failed++
			}
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleCreateSendRequest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createSendRequestBody
		if !s.decode(w, r, &body) {
			return
		}
		req, err := s.api.CreateSendRequest(r.Context(), &models.SendRequest{
			Platform:        models.Platform(body.Platform),
			Recipient:       body.Recipient,
			Content:         body.Content,
			Type:            body.Type,
			MediaRef:        body.MediaRef,
			TemplateName:    body.TemplateName,
			SendImmediately: body.SendImmediately,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, req)
	}
}

func (s *Server) handleGetSendRequest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		req, err := s.api.GetSendRequest(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, req)
	}
}

func (s *Server) handleRetrySendRequest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		req, err := s.api.RetrySendRequest(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, req)
	}
}

// handleWebhookVerify answers the Meta subscription handshake
func (s *Server) handleWebhookVerify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform, err := models.ParsePlatform(mux.Vars(r)["platform"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		query := r.URL.Query()
		mode := query.Get("hub.mode")
		token := query.Get("hub.verify_token")
		expected := s.cfg.Server.WebhookVerifyToken

		if mode != "subscribe" || expected == "" || token != expected {
			s.logger.WithFields(logrus.Fields{
				constants.LogFieldPlatform: platform,
				"mode":                     mode,
			}).Warn("Webhook verification rejected")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		s.logger.WithField(constants.LogFieldPlatform, platform).Info("Webhook subscription verified")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(query.Get("hub.challenge")))
	}
}

func (s *Server) handleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes))
		if err != nil {
			s.writeError(w, r, apperrors.NewValidationError("body", "", "webhook body could not be read or is too large"))
			return
		}

		result, err := s.api.HandleWebhook(r.Context(), mux.Vars(r)["platform"], body, r.Header.Get(service.SignatureHeader))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleCreatePost() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createPostBody
		if !s.decode(w, r, &body) {
			return
		}
		post := &models.Post{Content: body.Content, Attachments: body.Attachments}
		for _, target := range body.Targets {
			post.Targets = append(post.Targets, models.PostTarget{
				ChannelID: target.ChannelID,
				Platform:  models.Platform(target.Platform),
			})
		}
		created, err := s.api.CreatePost(r.Context(), post)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, created)
	}
}

func (s *Server) handleGetPost() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		post, err := s.api.GetPost(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, post)
	}
}

func (s *Server) handlePublishPost() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		post, err := s.api.PublishPost(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, post)
	}
}

func (s *Server) handleSchedulePost() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		var body schedulePostBody
		if !s.decode(w, r, &body) {
			return
		}
		if body.Time.IsZero() {
			s.writeError(w, r, apperrors.NewValidationError("time", "", "time is required (RFC 3339)"))
			return
		}
		post, err := s.api.SchedulePost(r.Context(), id, body.Time)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, post)
	}
}

func (s *Server) handleCancelSchedule() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		post, err := s.api.CancelSchedule(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, post)
	}
}

func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body syncBody
		if !s.decode(w, r, &body) {
			return
		}
		reports, err := s.api.Sync(r.Context(), strings.TrimSpace(body.Channel))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"channels": reports})
	}
}

func (s *Server) handleAnalytics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		var dateRange models.DateRange
		var err error
		if dateRange.Since, err = parseTimeParam("since", query.Get("since")); err != nil {
			s.writeError(w, r, err)
			return
		}
		if dateRange.Until, err = parseTimeParam("until", query.Get("until")); err != nil {
			s.writeError(w, r, err)
			return
		}

		reports, err := s.api.Analytics(r.Context(), strings.TrimSpace(query.Get("channel")), dateRange)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"channels": reports})
	}
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates; empty is zero
func parseTimeParam(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperrors.NewValidationError(name, value, name+" must be an RFC 3339 timestamp or YYYY-MM-DD date")
}

func (s *Server) handleTestConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		report, err := s.api.TestConnection(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleRegisterChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body registerChannelBody
		if !s.decode(w, r, &body) {
			return
		}
		ch := &models.Channel{
			Name:              body.Name,
			Platform:          models.Platform(body.Platform),
			ExternalAccountID: body.ExternalAccountID,
			Organization:      body.Organization,
			IsDefault:         body.IsDefault,
		}
		acc := &models.Account{
			AppID:        body.AppID,
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			AppSecret:    body.AppSecret,
			TokenURL:     body.TokenURL,
		}
		if body.ExpiresAt != nil {
			acc.ExpiresAt = body.ExpiresAt.UTC()
		}
		created, err := s.api.RegisterChannel(r.Context(), ch, acc)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, created)
	}
}

func (s *Server) handleListChannels() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels, err := s.api.ListChannels(r.Context(), r.URL.Query().Get("platform"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if channels == nil {
			channels = []*models.Channel{}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		filter := models.MessageFilter{
			ChannelID: strings.TrimSpace(query.Get("channel_id")),
			SenderID:  strings.TrimSpace(query.Get("sender")),
		}
		if raw := query.Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil {
				s.writeError(w, r, apperrors.NewValidationError("limit", raw, "limit must be a whole number"))
				return
			}
			filter.Limit = limit
		}

		messages, err := s.api.ListMessages(r.Context(), strings.TrimSpace(query.Get("platform")), filter)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if messages == nil {
			messages = []*models.Message{}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
	}
}

func (s *Server) handleLeadStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.leads.LeadStats(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if stats == nil {
			stats = []models.PlatformLeadStats{}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"platforms": stats})
	}
}

func (s *Server) handleLeadBackfill() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.leads.BackfillLeads(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, report)
	}
}
