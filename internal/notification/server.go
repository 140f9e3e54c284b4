package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/livenotify/internal/fanout"
	"github.com/nao1215/livenotify/internal/notification/store"
	"github.com/nao1215/livenotify/pkg/middleware"
	"github.com/nao1215/livenotify/pkg/protocol"
)

// shutdownTimeout はHTTPサーバーの停止を待つ最大時間。
const shutdownTimeout = 10 * time.Second

// EventReceiver は他プロセスから転送されたFan-outイベントを受け付ける。
// HTTPPeerBusを使用する場合のみ設定する。
type EventReceiver interface {
	Receive(ev fanout.Event) error
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はJWTの検証に使用する秘密鍵。
	JWTSecret string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
}

// Server は通知サービスのHTTPサーバー。
// REST API、内部API、WebSocketエンドポイントを提供する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバーの設定。
	cfg ServerConfig
	// svc は通知サービス。
	svc *Service
	// sessions はWebSocket接続のハンドラ。
	sessions *SessionHandler
	// sweeper は既読通知の定期削除。
	sweeper *Sweeper
	// ingress はピアから転送されたイベントの受け口。nilの場合は内部APIを公開しない。
	ingress EventReceiver
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(cfg ServerConfig, svc *Service, sessions *SessionHandler, sweeper *Sweeper, ingress EventReceiver, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:   router,
		cfg:      cfg,
		svc:      svc,
		sessions: sessions,
		sweeper:  sweeper,
		ingress:  ingress,
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxが終了すると停止する。
// 停止時はHTTPサーバーを閉じた後、WebSocketセッションをすべて終了させる。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動します", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.sessions.Shutdown()
	if err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	s.logger.Info("HTTPサーバーを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// WebSocketエンドポイント（ユーザーの確認はregisterメッセージで行う）
	s.router.GET("/ws", gin.WrapH(s.sessions))

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 未読件数取得
			notifications.GET("/unread/count", s.handleUnreadCount())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 複数の通知をまとめて既読にする
			notifications.PUT("/read", s.handleMarkBatchAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}

		// 内部API（他サービスと他のサーバープロセスから呼び出される）
		internal := api.Group("/internal")
		internal.Use(middleware.RequireService())
		{
			internal.POST("/send", s.handleSend())
			internal.POST("/broadcast", s.handleBroadcast())
			internal.POST("/direct", s.handleDirect())
			internal.GET("/stats", s.handleStats())
			internal.POST("/prune", s.handlePrune())
			if s.ingress != nil {
				internal.POST("/fanout", s.handleFanout())
			}
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"service":     "notification",
			"instance_id": s.svc.InstanceID(),
		})
	})
}

// respondError はエラーの種類に応じたステータスコードでエラーを返す。
func (s *Server) respondError(c *gin.Context, err error, message string) {
	var validationErr *store.ValidationError
	var notFoundErr *store.NotFoundError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
	default:
		_ = c.Error(err)
		s.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

// requireUserID は認証済みユーザーのIDを返す。取得できない場合は401を返してfalseを返す。
func requireUserID(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// listQuery は通知一覧取得のクエリパラメータ。
type listQuery struct {
	// Limit は取得件数の上限。
	Limit int `form:"limit"`
	// UnreadOnly がtrueの場合は未読のみ返す。
	UnreadOnly bool `form:"unread_only"`
	// SinceID はこのIDより新しい通知のみ返す。
	SinceID int64 `form:"since_id"`
	// BeforeID はこのIDより古い通知のみ返す。
	BeforeID int64 `form:"before_id"`
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		var q listQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("クエリパラメータが不正です: %v", err)})
			return
		}
		s.list(c, store.ListParams{
			RecipientID: userID,
			Limit:       q.Limit,
			UnreadOnly:  q.UnreadOnly,
			SinceID:     q.SinceID,
			BeforeID:    q.BeforeID,
		})
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		var q listQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("クエリパラメータが不正です: %v", err)})
			return
		}
		s.list(c, store.ListParams{
			RecipientID: userID,
			Limit:       q.Limit,
			UnreadOnly:  true,
			BeforeID:    q.BeforeID,
		})
	}
}

// list は通知一覧を取得して返す。
func (s *Server) list(c *gin.Context, params store.ListParams) {
	notifications, err := s.svc.List(c.Request.Context(), params)
	if err != nil {
		s.respondError(c, err, "通知一覧の取得に失敗しました")
		return
	}
	c.JSON(http.StatusOK, notifications)
}

// handleUnreadCount は認証済みユーザーの未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		count, err := s.svc.UnreadCount(c.Request.Context(), userID)
		if err != nil {
			s.respondError(c, err, "未読件数の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"unread": count})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 既読済みの通知を指定しても成功とし、結果のignoredに含める。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが不正です"})
			return
		}

		result, err := s.svc.MarkRead(c.Request.Context(), userID, []int64{id})
		if err != nil {
			s.respondError(c, err, "通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// markReadRequest は複数既読化リクエストのJSON構造。
type markReadRequest struct {
	// NotificationIDs は既読にする通知のID。
	NotificationIDs []int64 `json:"notification_ids" binding:"required"`
}

// handleMarkBatchAsRead は複数の通知をまとめて既読にするハンドラ。
// 他ユーザーの通知や既読済みの通知はignoredとして返す。
func (s *Server) handleMarkBatchAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		var req markReadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		result, err := s.svc.MarkRead(c.Request.Context(), userID, req.NotificationIDs)
		if err != nil {
			s.respondError(c, err, "通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		updated, err := s.svc.MarkAllRead(c.Request.Context(), userID)
		if err != nil {
			s.respondError(c, err, "全通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": updated})
	}
}

// sendRequest は通知送信リクエストのJSON構造。
type sendRequest struct {
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id" binding:"required"`
	Input
}

// withDefaultSeverity は重要度が未指定の場合にinfoを補う。
func withDefaultSeverity(in Input) Input {
	if in.Severity == "" {
		in.Severity = protocol.SeverityInfo
	}
	return in
}

// handleSend は通知を永続化して配信するハンドラ。
// 受信者がオフラインでも永続化に成功すれば201を返す。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		n, err := s.svc.Dispatch(c.Request.Context(), req.UserID, withDefaultSeverity(req.Input))
		if err != nil {
			s.respondError(c, err, "通知の作成に失敗しました")
			return
		}
		c.JSON(http.StatusCreated, n)
	}
}

// broadcastRequest はブロードキャストリクエストのJSON構造。
type broadcastRequest struct {
	Input
	// ExcludeUserIDs は配信対象から除外するユーザーID。
	ExcludeUserIDs []string `json:"exclude_user_ids"`
}

// handleBroadcast は接続中の全ユーザーへ通知を配信するハンドラ。
func (s *Server) handleBroadcast() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req broadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		n, err := s.svc.DispatchBroadcast(c.Request.Context(), withDefaultSeverity(req.Input), req.ExcludeUserIDs)
		if err != nil {
			s.respondError(c, err, "ブロードキャストに失敗しました")
			return
		}
		c.JSON(http.StatusAccepted, n)
	}
}

// directRequest はダイレクトメッセージ送信リクエストのJSON構造。
type directRequest struct {
	// SessionID は宛先のセッションID。
	SessionID string `json:"session_id" binding:"required"`
	DirectInput
}

// handleDirect は特定のセッションへダイレクトメッセージを送信するハンドラ。
func (s *Server) handleDirect() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req directRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		msg, err := s.svc.SendDirect(c.Request.Context(), req.SessionID, req.DirectInput)
		if err != nil {
			var transportErr *TransportError
			if errors.As(err, &transportErr) {
				c.JSON(http.StatusBadGateway, gin.H{"error": "セッションへの送信に失敗しました"})
				return
			}
			s.respondError(c, err, "ダイレクトメッセージの送信に失敗しました")
			return
		}
		c.JSON(http.StatusAccepted, msg)
	}
}

// handleStats はこのプロセスの接続状況を返すハンドラ。
func (s *Server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.svc.Stats())
	}
}

// handlePrune は保持期間を過ぎた既読通知を直ちに削除するハンドラ。
func (s *Server) handlePrune() gin.HandlerFunc {
	return func(c *gin.Context) {
		deleted, err := s.sweeper.PruneNow(c.Request.Context())
		if err != nil {
			s.respondError(c, err, "既読通知の削除に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	}
}

// handleFanout は他のサーバープロセスから転送されたイベントを受け付けるハンドラ。
func (s *Server) handleFanout() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev fanout.Event
		if err := json.NewDecoder(c.Request.Body).Decode(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		if err := s.ingress.Receive(ev); err != nil {
			switch {
			case errors.Is(err, fanout.ErrBufferFull), errors.Is(err, fanout.ErrClosed):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			}
			return
		}
		c.Status(http.StatusAccepted)
	}
}
