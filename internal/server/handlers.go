package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/andon/internal/engine"
	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/logx"
	"github.com/nao1215/andon/pkg/middleware"
)

// listResponse は一覧取得のレスポンス。
type listResponse struct {
	Category           notification.Category `json:"category"`
	TotalNotifications int                   `json:"total_notifications"`
	Notifications      []notification.Record `json:"notifications"`
}

// ackRequest は確認リクエストのボディ。パスでIDを指定する場合は notification_id を省略できる。
type ackRequest struct {
	NotificationID int64  `json:"notification_id"`
	UserID         string `json:"user_id"`
}

// ackResponse は確認リクエストのレスポンス。
type ackResponse struct {
	Status         engine.Outcome       `json:"status"`
	Message        string               `json:"message"`
	NotificationID int64                `json:"notification_id"`
	Notification   *notification.Record `json:"notification,omitempty"`
}

// categoryStatus はカテゴリごとの状態。
type categoryStatus struct {
	Category       notification.Category `json:"category"`
	Connections    int                   `json:"connections"`
	Unacknowledged int                   `json:"unacknowledged"`
}

// handleList は未確認（または確認済み）の通知一覧を返す。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		category := notification.Category(c.Param("category"))
		filter, err := parseFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		records, err := s.deps.Store.ListUnacknowledged(c.Request.Context(), category, filter)
		if err != nil {
			s.internalError(c, "通知一覧の取得に失敗", err)
			return
		}
		c.JSON(http.StatusOK, listResponse{
			Category:           category,
			TotalNotifications: len(records),
			Notifications:      records,
		})
	}
}

// parseFilter はクエリパラメータを絞り込み条件に変換する。
func parseFilter(c *gin.Context) (notification.Filter, error) {
	var f notification.Filter

	parseTime := func(key string) (*time.Time, error) {
		v := c.Query(key)
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, errors.New(key + " はRFC 3339形式で指定してください")
		}
		return &t, nil
	}
	var err error
	if f.Since, err = parseTime("since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime("until"); err != nil {
		return f, err
	}
	if v := c.Query("source_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errors.New("source_id は整数で指定してください")
		}
		f.SourceID = &id
	}
	if v := c.Query("acknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("acknowledged は true または false で指定してください")
		}
		f.Acknowledged = &b
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > notification.MaxLimit {
			return f, errors.New("limit は1から1000の範囲で指定してください")
		}
		f.Limit = n
	}
	f.Search = c.Query("search")
	return f, nil
}

// handleGet は通知を1件返す。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		category := notification.Category(c.Param("category"))
		id, ok := parseID(c, c.Param("id"))
		if !ok {
			return
		}

		rec, err := s.deps.Store.Get(c.Request.Context(), category, id)
		if errors.Is(err, notification.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			s.internalError(c, "通知の取得に失敗", err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// handleAcknowledge はパスで指定した通知を確認済みにする。
func (s *Server) handleAcknowledge() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c, c.Param("id"))
		if !ok {
			return
		}
		var req ackRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}
		s.acknowledge(c, notification.Category(c.Param("category")), id, req.UserID)
	}
}

// handleAcknowledgeBody はボディで指定した通知を確認済みにする。
func (s *Server) handleAcknowledgeBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}
		s.acknowledge(c, notification.Category(c.Param("category")), req.NotificationID, req.UserID)
	}
}

func (s *Server) acknowledge(c *gin.Context, category notification.Category, id int64, actor string) {
	if actor == "" {
		actor = middleware.GetUserID(c)
	}

	res, err := s.deps.Acknowledger.Acknowledge(c.Request.Context(), category, id, actor)
	if err != nil {
		s.internalError(c, "通知の確認に失敗", err)
		return
	}

	status := http.StatusOK
	switch res.Outcome {
	case engine.OutcomeNotFound:
		status = http.StatusNotFound
	case engine.OutcomeInvalid:
		status = http.StatusBadRequest
	}
	c.JSON(status, ackResponse{
		Status:         res.Outcome,
		Message:        res.Outcome.Message(),
		NotificationID: id,
		Notification:   res.Record,
	})
}

// ackAllResponse は一括確認のレスポンス。
type ackAllResponse struct {
	Status          engine.Outcome `json:"status"`
	Message         string         `json:"message"`
	Acknowledged    int            `json:"acknowledged"`
	Skipped         int            `json:"skipped"`
	NotificationIDs []int64        `json:"notification_ids"`
}

// handleAcknowledgeAll はカテゴリの未確認通知をすべて確認済みにする。
func (s *Server) handleAcknowledgeAll() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ackRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}
		actor := req.UserID
		if actor == "" {
			actor = middleware.GetUserID(c)
		}

		res, err := s.deps.Acknowledger.AcknowledgeAll(c.Request.Context(), notification.Category(c.Param("category")), actor)
		if err != nil {
			s.internalError(c, "通知の一括確認に失敗", err)
			return
		}
		if res.Outcome == engine.OutcomeInvalid {
			c.JSON(http.StatusBadRequest, ackAllResponse{
				Status:          res.Outcome,
				Message:         res.Outcome.Message(),
				NotificationIDs: []int64{},
			})
			return
		}
		c.JSON(http.StatusOK, ackAllResponse{
			Status:          res.Outcome,
			Message:         fmt.Sprintf("%d件の通知を確認しました", len(res.Acknowledged)),
			Acknowledged:    len(res.Acknowledged),
			Skipped:         res.Skipped,
			NotificationIDs: res.Acknowledged,
		})
	}
}

// handlePublish は他のサービスから通知を受け付ける。
func (s *Server) handlePublish() gin.HandlerFunc {
	return func(c *gin.Context) {
		category := notification.Category(c.Param("category"))
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディの読み込みに失敗しました"})
			return
		}

		payload, err := notification.DecodePayload(category, body)
		if err == nil {
			var rec *notification.Record
			rec, err = s.deps.Publisher.Publish(c.Request.Context(), payload)
			if err == nil {
				c.JSON(http.StatusCreated, rec)
				return
			}
		}

		switch {
		case errors.Is(err, notification.ErrUnknownCategory), errors.Is(err, notification.ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, notification.ErrDuplicate):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			s.internalError(c, "通知の発行に失敗", err)
		}
	}
}

// handleStatus はカテゴリごとの接続数と未確認件数を返す。
func (s *Server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		counts := s.deps.Registry.Counts()
		out := make([]categoryStatus, 0, len(counts))
		for _, category := range notification.Categories() {
			n, err := s.deps.Store.CountUnacknowledged(c.Request.Context(), category)
			if err != nil {
				s.internalError(c, "未確認件数の取得に失敗", err)
				return
			}
			out = append(out, categoryStatus{
				Category:       category,
				Connections:    counts[category],
				Unacknowledged: n,
			})
		}
		c.JSON(http.StatusOK, gin.H{"categories": out})
	}
}

func parseID(c *gin.Context, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが不正です"})
		return 0, false
	}
	return id, true
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.log.Error(msg, logx.String("path", c.Request.URL.Path), logx.Err(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
}
