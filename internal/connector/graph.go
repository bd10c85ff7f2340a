package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	maxConversationPages = 50
	maxMessagePages      = 20
	graphTimeLayout      = "2006-01-02T15:04:05-0700"
)

// GraphConnector serves Facebook pages and Instagram business accounts
type GraphConnector struct {
	channel *models.Channel
	account *models.Account
	deps    Deps
	baseURL string
	version string
	log     *logrus.Entry
}

func NewGraphConnector(ch *models.Channel, acc *models.Account, deps Deps) Connector {
	baseURL := deps.Graph.BaseURL
	if baseURL == "" {
		baseURL = constants.DefaultGraphBaseURL
	}
	version := deps.Graph.APIVersion
	if version == "" {
		version = constants.DefaultGraphAPIVersion
	}
	return &GraphConnector{
		channel: ch,
		account: acc,
		deps:    deps,
		baseURL: baseURL,
		version: version,
		log:     channelLogger(deps.Logger, ch),
	}
}

func (c *GraphConnector) Platform() models.Platform {
	return c.channel.Platform
}

func (c *GraphConnector) url(parts ...string) string {
	return apiURL(c.baseURL, c.version, parts...)
}

func (c *GraphConnector) do(ctx context.Context, method, target string, query url.Values, body interface{}, out interface{}) error {
	resp, err := c.deps.Transport.Do(ctx, c.account, Request{Method: method, URL: target, Query: query, Body: body})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

type graphID struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

// Send delivers a Messenger or Instagram Direct message to a page-scoped id
func (c *GraphConnector) Send(ctx context.Context, recipient, content, msgType string, opts models.SendOptions) models.Result {
	message := map[string]interface{}{}
	switch msgType {
	case "", models.MessageTypeText:
		message["text"] = content
	case models.MessageTypeImage, models.MessageTypeVideo, models.MessageTypeAudio, models.MessageTypeDocument:
		if opts.MediaURL == "" {
			return models.Failure(apperrors.NewValidationError("media_url", "", "media url is required for "+msgType+" messages"))
		}
		attachmentType := msgType
		if msgType == models.MessageTypeDocument {
			attachmentType = "file"
		}
		message["attachment"] = map[string]interface{}{
			"type":    attachmentType,
			"payload": map[string]interface{}{"url": opts.MediaURL, "is_reusable": true},
		}
	default:
		return models.Failure(apperrors.NewValidationError("type", msgType, fmt.Sprintf("%s does not support %s messages", c.channel.Platform, msgType)))
	}

	payload := map[string]interface{}{
		"recipient":      map[string]string{"id": recipient},
		"message":        message,
		"messaging_type": "RESPONSE",
	}

	var resp struct {
		RecipientID string `json:"recipient_id"`
		MessageID   string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.url("me", "messages"), nil, payload, &resp); err != nil {
		c.log.WithError(err).Error("Failed to send message")
		return models.Failure(err)
	}
	return models.Result{Success: true, MessageID: resp.MessageID, Message: "message sent"}
}

// Publish posts to the page feed, or runs the Instagram container flow
func (c *GraphConnector) Publish(ctx context.Context, post *models.Post) models.Result {
	if c.channel.Platform == models.PlatformInstagram {
		return c.publishInstagram(ctx, post)
	}

	var mediaIDs []string
	for _, attachment := range post.Attachments {
		if !attachment.IsUploadable() {
			continue
		}
		id, err := c.uploadMedia(ctx, attachment)
		if err != nil {
			c.log.WithError(err).WithField(constants.LogFieldPostID, post.ID).Warn("Attachment upload failed, publishing without it")
			continue
		}
		mediaIDs = append(mediaIDs, id)
	}

	payload := map[string]interface{}{"message": post.Content}
	switch len(mediaIDs) {
	case 0:
	case 1:
		payload["object_attachment"] = mediaIDs[0]
	default:
		attached := make([]map[string]string, 0, len(mediaIDs))
		for _, id := range mediaIDs {
			attached = append(attached, map[string]string{"media_fbid": id})
		}
		payload["attached_media"] = attached
	}

	var created graphID
	if err := c.do(ctx, http.MethodPost, c.url(c.channel.ExternalAccountID, "feed"), nil, payload, &created); err != nil {
		c.log.WithError(err).WithField(constants.LogFieldPostID, post.ID).Error("Failed to publish post")
		return models.Failure(err)
	}
	return models.Result{
		Success: true,
		PostID:  created.ID,
		PostURL: constants.DefaultPostURLPrefix + created.ID,
		Message: "post published",
	}
}

// uploadMedia stores an unpublished photo or video and returns its media id
func (c *GraphConnector) uploadMedia(ctx context.Context, attachment models.Attachment) (string, error) {
	edge, field := "photos", "url"
	if attachment.Type == models.AttachmentVideo {
		edge, field = "videos", "file_url"
	}
	payload := map[string]interface{}{field: attachment.URL, "published": false}

	var uploaded graphID
	if err := c.do(ctx, http.MethodPost, c.url(c.channel.ExternalAccountID, edge), nil, payload, &uploaded); err != nil {
		return "", err
	}
	if uploaded.ID == "" {
		return "", fmt.Errorf("upload returned no media id")
	}
	return uploaded.ID, nil
}

func (c *GraphConnector) publishInstagram(ctx context.Context, post *models.Post) models.Result {
	var media []models.Attachment
	for _, attachment := range post.Attachments {
		if attachment.IsUploadable() {
			media = append(media, attachment)
		}
	}
	if len(media) == 0 {
		return models.Failure(apperrors.NewValidationError("attachments", "", "Instagram posts require an image or video"))
	}

	var creationID string
	if len(media) == 1 {
		id, err := c.createContainer(ctx, media[0], post.Content, false)
		if err != nil {
			c.log.WithError(err).WithField(constants.LogFieldPostID, post.ID).Error("Failed to create media container")
			return models.Failure(err)
		}
		creationID = id
	} else {
		var children []string
		for _, attachment := range media {
			id, err := c.createContainer(ctx, attachment, "", true)
			if err != nil {
				c.log.WithError(err).WithField(constants.LogFieldPostID, post.ID).Warn("Carousel item failed, publishing without it")
				continue
			}
			children = append(children, id)
		}
		if len(children) == 0 {
			return models.Failure(apperrors.NewValidationError("attachments", "", "no carousel item could be created"))
		}
		payload := map[string]interface{}{
			"media_type": "CAROUSEL",
			"caption":    post.Content,
			"children":   strings.Join(children, ","),
		}
		var carousel graphID
		if err := c.do(ctx, http.MethodPost, c.url(c.channel.ExternalAccountID, "media"), nil, payload, &carousel); err != nil {
			c.log.WithError(err).WithField(constants.LogFieldPostID, post.ID).Error("Failed to create carousel container")
			return models.Failure(err)
		}
		creationID = carousel.ID
	}

	var published graphID
	payload := map[string]interface{}{"creation_id": creationID}
	if err := c.do(ctx, http.MethodPost, c.url(c.channel.ExternalAccountID, "media_publish"), nil, payload, &published); err != nil {
		c.log.WithError(err).WithField(constants.LogFieldPostID, post.ID).Error("Failed to publish media container")
		return models.Failure(err)
	}

	result := models.Result{Success: true, PostID: published.ID, Message: "post published"}
	var permalink struct {
		Permalink string `json:"permalink"`
	}
	query := url.Values{"fields": {"permalink"}}
	if err := c.do(ctx, http.MethodGet, c.url(published.ID), query, nil, &permalink); err != nil {
		c.log.WithError(err).Debug("Permalink lookup failed")
	} else {
		result.PostURL = permalink.Permalink
	}
	return result
}

func (c *GraphConnector) createContainer(ctx context.Context, attachment models.Attachment, caption string, carouselItem bool) (string, error) {
	payload := map[string]interface{}{}
	if attachment.Type == models.AttachmentVideo {
		payload["media_type"] = "REELS"
		payload["video_url"] = attachment.URL
	} else {
		payload["image_url"] = attachment.URL
	}
	if caption != "" {
		payload["caption"] = caption
	}
	if carouselItem {
		payload["is_carousel_item"] = true
	}

	var container graphID
	if err := c.do(ctx, http.MethodPost, c.url(c.channel.ExternalAccountID, "media"), nil, payload, &container); err != nil {
		return "", err
	}
	return container.ID, nil
}

func (c *GraphConnector) Schedule(ctx context.Context, post *models.Post, at time.Time) models.Result {
	return scheduleViaQueue(ctx, c.deps.Queue, post, at)
}

type graphPaging struct {
	Next string `json:"next"`
}

type graphParty struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

func (p graphParty) displayName() string {
	if p.Name != "" {
		return p.Name
	}
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}

type graphConversation struct {
	ID           string `json:"id"`
	UpdatedTime  string `json:"updated_time"`
	MessageCount int    `json:"message_count"`
	Participants struct {
		Data []graphParty `json:"data"`
	} `json:"participants"`
}

type graphMessage struct {
	ID          string     `json:"id"`
	CreatedTime string     `json:"created_time"`
	From        graphParty `json:"from"`
	To          struct {
		Data []graphParty `json:"data"`
	} `json:"to"`
	Message     string `json:"message"`
	Attachments struct {
		Data []struct {
			MimeType  string `json:"mime_type"`
			FileURL   string `json:"file_url"`
			ImageData struct {
				URL string `json:"url"`
			} `json:"image_data"`
			VideoData struct {
				URL string `json:"url"`
			} `json:"video_data"`
		} `json:"data"`
	} `json:"attachments"`
}

// FetchMessages walks the page inbox. Any failure is logged and yields no
// messages so a sync never half-applies a listing.
func (c *GraphConnector) FetchMessages(ctx context.Context, since time.Time) []models.RawMessage {
	query := url.Values{"fields": {"id,updated_time,message_count,participants"}}
	if c.channel.Platform == models.PlatformInstagram {
		query.Set("platform", "instagram")
	}
	if !since.IsZero() {
		query.Set("since", strconv.FormatInt(since.Unix(), 10))
	}

	var conversations []graphConversation
	next := c.url(c.channel.ExternalAccountID, "conversations")
	for page := 0; next != "" && page < maxConversationPages; page++ {
		var listing struct {
			Data   []graphConversation `json:"data"`
			Paging graphPaging         `json:"paging"`
		}
		if err := c.do(ctx, http.MethodGet, next, query, nil, &listing); err != nil {
			c.log.WithError(err).Error("Failed to list conversations")
			return nil
		}
		conversations = append(conversations, listing.Data...)
		// paging.next already carries the query
		next, query = listing.Paging.Next, nil
	}

	var messages []models.RawMessage
	for _, conv := range conversations {
		updated, err := parseGraphTime(conv.UpdatedTime)
		if err == nil && !since.IsZero() && !updated.After(since) {
			continue
		}
		convMessages, err := c.fetchConversation(ctx, conv, since)
		if err != nil {
			c.log.WithError(err).WithField(constants.LogFieldConversationID, conv.ID).Error("Failed to fetch conversation messages")
			return nil
		}
		messages = append(messages, convMessages...)
	}

	c.log.WithFields(logrus.Fields{
		constants.LogFieldCount: len(messages),
		"conversations":         len(conversations),
	}).Debug("Fetched messages")
	return messages
}

func (c *GraphConnector) fetchConversation(ctx context.Context, conv graphConversation, since time.Time) ([]models.RawMessage, error) {
	participants := make([]string, 0, len(conv.Participants.Data))
	for _, p := range conv.Participants.Data {
		if p.ID == c.channel.ExternalAccountID {
			continue
		}
		participants = append(participants, p.displayName())
	}

	query := url.Values{"fields": {"id,created_time,from,to,message,attachments"}}
	next := c.url(conv.ID, "messages")
	var messages []models.RawMessage
	for page := 0; next != "" && page < maxMessagePages; page++ {
		var listing struct {
			Data   []graphMessage `json:"data"`
			Paging graphPaging    `json:"paging"`
		}
		if err := c.do(ctx, http.MethodGet, next, query, nil, &listing); err != nil {
			return nil, err
		}
		for _, m := range listing.Data {
			raw := c.rawFromGraph(m, conv.ID, participants)
			if !since.IsZero() && !raw.Timestamp.After(since) {
				continue
			}
			messages = append(messages, raw)
		}
		next, query = listing.Paging.Next, nil
	}
	return messages, nil
}

func (c *GraphConnector) rawFromGraph(m graphMessage, conversationID string, participants []string) models.RawMessage {
	raw := models.RawMessage{
		ExternalID:     m.ID,
		ConversationID: conversationID,
		Participants:   participants,
		SenderID:       m.From.ID,
		SenderName:     m.From.displayName(),
		Content:        m.Message,
		MessageType:    models.MessageTypeText,
		DeliveryStatus: models.DeliveryStatusDelivered,
	}
	if len(m.To.Data) > 0 {
		raw.RecipientID = m.To.Data[0].ID
	}
	if ts, err := parseGraphTime(m.CreatedTime); err == nil {
		raw.Timestamp = ts
	}
	if m.From.ID == c.channel.ExternalAccountID {
		raw.Direction = models.DirectionOutgoing
	}
	if len(m.Attachments.Data) > 0 {
		a := m.Attachments.Data[0]
		switch {
		case a.ImageData.URL != "":
			raw.MediaRef, raw.MessageType = a.ImageData.URL, models.MessageTypeImage
		case a.VideoData.URL != "":
			raw.MediaRef, raw.MessageType = a.VideoData.URL, models.MessageTypeVideo
		case a.FileURL != "":
			raw.MediaRef, raw.MessageType = a.FileURL, models.MessageTypeDocument
		}
	}
	return raw
}

func parseGraphTime(s string) (time.Time, error) {
	if t, err := time.Parse(graphTimeLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// GetAnalytics returns page insights, or post insights when postID is set
func (c *GraphConnector) GetAnalytics(ctx context.Context, postID string, dateRange models.DateRange) models.Result {
	target, metricNames := c.channel.ExternalAccountID, c.channelMetrics()
	if postID != "" {
		target, metricNames = postID, c.postMetrics()
	}

	query := url.Values{"metric": {metricNames}}
	if postID == "" {
		query.Set("period", "day")
	}
	if !dateRange.Since.IsZero() {
		query.Set("since", strconv.FormatInt(dateRange.Since.Unix(), 10))
	}
	if !dateRange.Until.IsZero() {
		query.Set("until", strconv.FormatInt(dateRange.Until.Unix(), 10))
	}

	var insights struct {
		Data []struct {
			Name   string `json:"name"`
			Period string `json:"period"`
			Values []struct {
				Value   interface{} `json:"value"`
				EndTime string      `json:"end_time"`
			} `json:"values"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, c.url(target, "insights"), query, nil, &insights); err != nil {
		c.log.WithError(err).Error("Failed to fetch insights")
		return models.Failure(err)
	}

	data := make(map[string]interface{}, len(insights.Data))
	for _, metric := range insights.Data {
		total, numeric := 0.0, true
		var last interface{}
		for _, v := range metric.Values {
			last = v.Value
			if n, ok := v.Value.(float64); ok {
				total += n
			} else {
				numeric = false
			}
		}
		if numeric {
			data[metric.Name] = total
		} else {
			data[metric.Name] = last
		}
	}
	return models.Result{Success: true, Data: data}
}

func (c *GraphConnector) channelMetrics() string {
	if c.channel.Platform == models.PlatformInstagram {
		return "impressions,reach,profile_views"
	}
	return "page_impressions,page_engaged_users,page_fans"
}

func (c *GraphConnector) postMetrics() string {
	if c.channel.Platform == models.PlatformInstagram {
		return "impressions,reach,engagement"
	}
	return "post_impressions,post_engaged_users,post_clicks"
}

func (c *GraphConnector) RefreshToken(ctx context.Context) error {
	refreshed, err := c.deps.Tokens.Refresh(ctx, c.account)
	if err != nil {
		return err
	}
	c.account = refreshed
	return nil
}

// TestConnection reads the page or business account profile
func (c *GraphConnector) TestConnection(ctx context.Context) error {
	var profile graphParty
	query := url.Values{"fields": {"id,name"}}
	if err := c.do(ctx, http.MethodGet, c.url(c.channel.ExternalAccountID), query, nil, &profile); err != nil {
		return err
	}
	if profile.ID == "" {
		return apperrors.New(apperrors.ErrCodeProviderError, "profile lookup returned no id")
	}
	return nil
}
