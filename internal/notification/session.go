package notification

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/livenotify/internal/notification/store"
	"github.com/nao1215/livenotify/pkg/middleware"
	"github.com/nao1215/livenotify/pkg/protocol"
)

// WebSocketセッションの既定値。
const (
	DefaultRegistrationTimeout = 10 * time.Second
	DefaultIdleTimeout         = 60 * time.Second
	DefaultPingInterval        = 25 * time.Second
	DefaultSendBuffer          = 64
	DefaultWriteTimeout        = 10 * time.Second
	DefaultMaxMessageSize      = 64 * 1024
)

var (
	// ErrSessionClosed はクローズ済みのセッションへ送信しようとしたことを表す。
	ErrSessionClosed = errors.New("セッションはクローズ済みです")
	// ErrSendBufferFull は送信バッファが満杯で送信できないことを表す。
	ErrSendBufferFull = errors.New("送信バッファが満杯です")
)

// SessionConfig はWebSocketセッションの設定。
type SessionConfig struct {
	// RegistrationTimeout は接続からregisterメッセージ受信までの制限時間。
	RegistrationTimeout time.Duration
	// IdleTimeout は登録後にフレームを受信しないまま切断するまでの時間。
	IdleTimeout time.Duration
	// PingInterval はサーバーからpingを送る間隔。0以下の場合は送らない。
	PingInterval time.Duration
	// SendBuffer はセッションごとの送信バッファのサイズ。
	SendBuffer int
	// WriteTimeout はフレーム1つの書き込みの制限時間。
	WriteTimeout time.Duration
	// MaxMessageSize は受信するフレームの最大バイト数。
	MaxMessageSize int64
	// AllowedOrigins はブラウザからの接続を許可するオリジン。
	AllowedOrigins []string
	// JWTSecret はトークン検証に使用する秘密鍵。
	JWTSecret string
	// RequireToken がtrueの場合、接続時にユーザートークンを必須とする。
	RequireToken bool
}

// withDefaults は未設定の項目に既定値を適用した設定を返す。
func (c SessionConfig) withDefaults() SessionConfig {
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}

// SessionHandler はWebSocket接続を受け付け、セッションごとの処理を行う。
type SessionHandler struct {
	// svc は通知サービス。
	svc *Service
	// cfg はセッションの設定。
	cfg SessionConfig
	// upgrader はHTTP接続をWebSocketへ切り替える。
	upgrader websocket.Upgrader
	// logger は構造化ロガー。
	logger *zap.Logger
	// sessions は処理中のセッションの終了待ちに使用する。
	sessions sync.WaitGroup
	mu       sync.Mutex
	// active は処理中のセッション。登録前のセッションも含む。
	active map[*wsSession]struct{}
}

// NewSessionHandler は新しいSessionHandlerを生成する。
func NewSessionHandler(svc *Service, cfg SessionConfig, logger *zap.Logger) *SessionHandler {
	cfg = cfg.withDefaults()
	return &SessionHandler{
		svc: svc,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// ブラウザ以外のクライアントはOriginを送らない
				return origin == "" || middleware.OriginAllowed(cfg.AllowedOrigins, origin)
			},
		},
		logger: logger,
		active: make(map[*wsSession]struct{}),
	}
}

// Shutdown は処理中のすべてのセッションを終了させ、終了するまで待つ。
// http.Server.Shutdownは切り替え済みのWebSocket接続を閉じないため、サーバー停止時に呼び出す。
func (h *SessionHandler) Shutdown() {
	h.mu.Lock()
	for sess := range h.active {
		sess.close()
	}
	h.mu.Unlock()
	h.sessions.Wait()
}

// ServeHTTP はWebSocketへ切り替え、接続が切れるまでセッションを処理する。
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var boundUserID string
	if token := bearerToken(r); token != "" {
		claims, err := middleware.ParseToken(h.cfg.JWTSecret, token)
		if err != nil {
			http.Error(w, "トークンが無効です", http.StatusUnauthorized)
			return
		}
		boundUserID = claims.UserID
	} else if h.cfg.RequireToken {
		http.Error(w, "トークンが必要です", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocketへの切り替えに失敗しました", zap.Error(err))
		return
	}

	h.sessions.Add(1)
	defer h.sessions.Done()

	sess := &wsSession{
		id:          uuid.NewString(),
		boundUserID: boundUserID,
		conn:        conn,
		svc:         h.svc,
		cfg:         h.cfg,
		logger:      h.logger,
		send:        make(chan protocol.Envelope, h.cfg.SendBuffer),
		done:        make(chan struct{}),
		writerDone:  make(chan struct{}),
	}

	h.mu.Lock()
	h.active[sess] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.active, sess)
		h.mu.Unlock()
	}()

	sess.serve(r.Context())
}

// bearerToken はAuthorizationヘッダーまたはtokenクエリパラメータからトークンを取り出す。
// ブラウザのWebSocket APIはヘッダーを設定できないため、クエリパラメータも受け付ける。
func bearerToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

// wsSession は1本のWebSocket接続に対応するセッション。
// 接続直後は登録待ち状態で、registerメッセージを受け付けると登録済み状態になる。
type wsSession struct {
	// id はサーバーが割り当てたセッションID。
	id string
	// userID は登録済みのユーザーID。登録前は空。
	userID string
	// boundUserID は接続時のトークンで確認済みのユーザーID。空の場合は制約しない。
	boundUserID string
	// registered は登録済みであるか。読み取りループのみが更新する。
	registered atomic.Bool
	// conn はWebSocket接続。書き込みはwritePumpのみが行う。
	conn *websocket.Conn
	// svc は通知サービス。
	svc *Service
	// cfg はセッションの設定。
	cfg SessionConfig
	// logger は構造化ロガー。
	logger *zap.Logger
	// send は送信待ちのメッセージ。
	send chan protocol.Envelope
	// done はセッション終了時に閉じられる。
	done      chan struct{}
	closeOnce sync.Once
	// closeMu はdoneのクローズと送信バッファへの追加を排他する。
	closeMu sync.Mutex
	// writerDone はwritePumpの終了時に閉じられる。
	writerDone chan struct{}
}

// ID はセッションIDを返す。
func (s *wsSession) ID() string { return s.id }

// UserID は登録済みのユーザーIDを返す。
func (s *wsSession) UserID() string { return s.userID }

// Push はメッセージを送信バッファへ積む。バッファが満杯の場合はブロックせずにエラーを返す。
// 終了したセッションにはErrSessionClosedを返し、nilを返したメッセージは
// 切断前にwritePumpが書き出す。
func (s *wsSession) Push(env protocol.Envelope) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- env:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// close はセッションを終了状態にする。複数回呼び出しても安全。
// 読み取り中のフレーム待ちは書き込みの制限時間が経過すると打ち切られる。
func (s *wsSession) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.WriteTimeout))
	})
}

// closed はセッションが終了状態であるかを返す。
func (s *wsSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// serve は接続が切れるまでフレームを処理し、終了時に後始末を行う。
func (s *wsSession) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go s.writePump()

	err := s.readLoop(ctx)

	var timeoutErr *RegistrationTimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		s.svc.metrics.addRegistrationFailure(ctx, "timeout")
		s.logger.Warn("ユーザー登録がタイムアウトしました", zap.Error(err))
		s.pushError("", timeoutErr.Error())
	case err != nil:
		s.logger.Debug("セッションを終了します",
			zap.String("session_id", s.id),
			zap.String("user_id", s.userID),
			zap.Error(err),
		)
	}

	if s.registered.Load() {
		s.svc.Disconnect(s.id)
	}
	s.close()
	<-s.writerDone
	s.conn.Close()
}

// readLoop はフレームを読み取り、種類ごとの処理へ振り分ける。
func (s *wsSession) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	registrationDeadline := time.Now().Add(s.cfg.RegistrationTimeout)
	if err := s.conn.SetReadDeadline(registrationDeadline); err != nil {
		return err
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if s.closed() {
			return ErrSessionClosed
		}
		if err != nil {
			var netErr net.Error
			if !s.registered.Load() && errors.As(err, &netErr) && netErr.Timeout() {
				return &RegistrationTimeoutError{Timeout: s.cfg.RegistrationTimeout, RemoteAddr: s.conn.RemoteAddr().String()}
			}
			return err
		}
		if s.registered.Load() {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				return err
			}
		}

		env, err := protocol.Unmarshal(data)
		if err != nil {
			s.pushError("", "メッセージの形式が不正です")
			continue
		}
		s.handle(ctx, env)
	}
}

// handle はメッセージの種類に応じた処理を呼び出す。
// 登録前はregisterとpingのみ受け付ける。
func (s *wsSession) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegister:
		s.handleRegister(ctx, env)
	case protocol.TypePing:
		s.reply(protocol.Envelope{Type: protocol.TypePong, RequestID: env.RequestID, Data: env.Data})
	case protocol.TypePong:
		// 読み取り期限はフレーム受信時に延長済み
	case protocol.TypeMarkRead, protocol.TypeGetNotifications:
		if !s.registered.Load() {
			s.pushError(env.RequestID, "ユーザー登録が必要です")
			return
		}
		if env.Type == protocol.TypeMarkRead {
			s.handleMarkRead(ctx, env)
			return
		}
		s.handleGetNotifications(ctx, env)
	default:
		s.pushError(env.RequestID, "不明なメッセージ種別です: "+string(env.Type))
	}
}

// handleRegister はregisterメッセージを処理する。
func (s *wsSession) handleRegister(ctx context.Context, env protocol.Envelope) {
	fail := func(reason, message string) {
		s.svc.metrics.addRegistrationFailure(ctx, reason)
		s.replyData(protocol.TypeRegisterResponse, env.RequestID, protocol.RegisterResponse{
			Status:  protocol.StatusError,
			Message: message,
		})
	}

	req, err := protocol.Decode[protocol.RegisterRequest](env)
	if err != nil {
		fail("invalid", "registerのデータが不正です")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	switch {
	case userID == "":
		fail("invalid", "user_idは必須です")
		return
	case s.boundUserID != "" && userID != s.boundUserID:
		fail("forbidden", "トークンのユーザーと一致しません")
		return
	case s.registered.Load() && userID != s.userID:
		fail("conflict", "この接続は別のユーザーで登録済みです")
		return
	}

	if !s.registered.Load() {
		s.userID = userID
		if err := s.svc.Connect(s); err != nil {
			s.userID = ""
			fail("registry", "セッションの登録に失敗しました")
			return
		}
		s.registered.Store(true)
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			s.logger.Warn("読み取り期限の設定に失敗しました", zap.Error(err))
		}
	}

	s.replyData(protocol.TypeRegisterResponse, env.RequestID, protocol.RegisterResponse{
		Status:     protocol.StatusSuccess,
		SessionID:  s.id,
		InstanceID: s.svc.InstanceID(),
	})
}

// handleMarkRead はmark_readメッセージを処理する。
func (s *wsSession) handleMarkRead(ctx context.Context, env protocol.Envelope) {
	req, err := protocol.Decode[protocol.MarkReadRequest](env)
	if err != nil {
		s.replyData(protocol.TypeMarkReadResponse, env.RequestID, protocol.MarkReadResponse{
			Status:  protocol.StatusError,
			Message: "mark_readのデータが不正です",
		})
		return
	}

	result, err := s.svc.MarkRead(ctx, s.userID, req.IDs())
	if err != nil {
		s.replyData(protocol.TypeMarkReadResponse, env.RequestID, protocol.MarkReadResponse{
			Status:  protocol.StatusError,
			Message: s.errorMessage(err, "通知の既読処理に失敗しました"),
			Applied: []int64{},
			Ignored: req.IDs(),
		})
		return
	}
	s.replyData(protocol.TypeMarkReadResponse, env.RequestID, protocol.MarkReadResponse{
		Status:  protocol.StatusSuccess,
		Applied: result.Applied,
		Ignored: result.Ignored,
	})
}

// handleGetNotifications はget_notificationsメッセージを処理する。
func (s *wsSession) handleGetNotifications(ctx context.Context, env protocol.Envelope) {
	req, err := protocol.Decode[protocol.GetNotificationsRequest](env)
	if err != nil {
		s.replyData(protocol.TypeGetNotificationsResponse, env.RequestID, protocol.GetNotificationsResponse{
			Status:  protocol.StatusError,
			Message: "get_notificationsのデータが不正です",
		})
		return
	}

	notifications, err := s.svc.List(ctx, store.ListParams{
		RecipientID: s.userID,
		Limit:       req.Limit,
		UnreadOnly:  req.UnreadOnly,
		SinceID:     req.SinceID,
		BeforeID:    req.BeforeID,
	})
	if err != nil {
		s.replyData(protocol.TypeGetNotificationsResponse, env.RequestID, protocol.GetNotificationsResponse{
			Status:  protocol.StatusError,
			Message: s.errorMessage(err, "通知一覧の取得に失敗しました"),
		})
		return
	}

	out := make([]protocol.Notification, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, n.ToProtocol())
	}
	s.replyData(protocol.TypeGetNotificationsResponse, env.RequestID, protocol.GetNotificationsResponse{
		Status:        protocol.StatusSuccess,
		Notifications: out,
	})
}

// errorMessage はクライアントへ返すエラーメッセージを組み立てる。
// 入力値や存在の誤りは内容を返し、それ以外はログに記録して定型文を返す。
func (s *wsSession) errorMessage(err error, fallback string) string {
	var validationErr *store.ValidationError
	var notFoundErr *store.NotFoundError
	switch {
	case errors.As(err, &validationErr), errors.As(err, &notFoundErr):
		return err.Error()
	default:
		s.logger.Error(fallback, zap.String("session_id", s.id), zap.String("user_id", s.userID), zap.Error(err))
		return fallback
	}
}

// replyData は応答メッセージを組み立てて送信する。
func (s *wsSession) replyData(msgType protocol.MessageType, requestID string, data any) {
	env, err := protocol.New(msgType, requestID, data)
	if err != nil {
		s.logger.Error("応答のエンコードに失敗しました", zap.Error(err))
		return
	}
	s.reply(env)
}

// reply は応答を送信バッファへ積む。
func (s *wsSession) reply(env protocol.Envelope) {
	if err := s.Push(env); err != nil {
		s.logger.Warn("応答の送信に失敗しました",
			zap.Error(&TransportError{SessionID: s.id, UserID: s.userID, Err: err}),
		)
	}
}

// pushError はerrorメッセージを送信する。
func (s *wsSession) pushError(requestID, message string) {
	env, err := protocol.NewError(requestID, message)
	if err != nil {
		return
	}
	s.reply(env)
}

// writePump は送信バッファのメッセージを接続へ書き込む。
// 接続への書き込みはこのゴルーチンのみが行う。
func (s *wsSession) writePump() {
	defer close(s.writerDone)

	var pingC <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case env := <-s.send:
			if err := s.write(env); err != nil {
				s.close()
				return
			}
		case <-pingC:
			if !s.registered.Load() {
				continue
			}
			env, _ := protocol.New(protocol.TypePing, "", protocol.Ping{SentAt: time.Now().UTC()})
			if err := s.write(env); err != nil {
				s.close()
				return
			}
		case <-s.done:
			// 送信待ちのメッセージを書き出してから切断を通知する
			for {
				select {
				case env := <-s.send:
					if err := s.write(env); err != nil {
						return
					}
				default:
					_ = s.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(s.cfg.WriteTimeout))
					return
				}
			}
		}
	}
}

// write はフレームを1つ書き込む。
func (s *wsSession) write(env protocol.Envelope) error {
	b, err := protocol.Marshal(env)
	if err != nil {
		s.logger.Error("メッセージのエンコードに失敗しました", zap.Error(err))
		return nil
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}
