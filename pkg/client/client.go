package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/livenotify/pkg/backoff"
	"github.com/nao1215/livenotify/pkg/protocol"
)

const (
	// DefaultRegistrationTimeout は接続から登録応答までの既定の制限時間。
	DefaultRegistrationTimeout = 10 * time.Second
	// DefaultRequestTimeout は要求1件あたりの既定の制限時間。
	DefaultRequestTimeout = 10 * time.Second
	// DefaultHeartbeatInterval はpingを送る既定の間隔。
	DefaultHeartbeatInterval = 20 * time.Second
	// DefaultHeartbeatTimeout はpongを待つ既定の制限時間。
	DefaultHeartbeatTimeout = 10 * time.Second
	// DefaultBacklogPageSize はバックログ取得1回あたりの既定の件数。
	DefaultBacklogPageSize = 100
	// DefaultBuffer は受信チャネルの既定のバッファ数。
	DefaultBuffer = 64
	// DefaultDedupeWindow は重複排除のために記憶する通知IDの既定の件数。
	DefaultDedupeWindow = 1024

	writeTimeout = 10 * time.Second
)

// Config はDelivery Clientの設定。
type Config struct {
	// URL はWebSocketエンドポイント（ws://host/ws）。
	URL string
	// UserID は登録するユーザーID。
	UserID string
	// Token はAuthorizationヘッダーで送るJWT。空の場合は送らない。
	Token string
	// Backoff は再接続のバックオフポリシー。ゼロ値の場合はbackoff.Default()。
	Backoff backoff.Policy
	// RegistrationTimeout は接続から登録応答までの制限時間。
	RegistrationTimeout time.Duration
	// RequestTimeout はmark_readなどの要求1件あたりの制限時間。
	RequestTimeout time.Duration
	// HeartbeatInterval はpingを送る間隔。負の値の場合はハートビートを行わない。
	HeartbeatInterval time.Duration
	// HeartbeatTimeout はpongを待つ制限時間。
	HeartbeatTimeout time.Duration
	// BacklogPageSize はバックログ取得1回あたりの件数。
	BacklogPageSize int
	// Buffer は受信チャネルのバッファ数。
	Buffer int
	// DedupeWindow は重複排除のために記憶する直近の通知IDの件数。
	DedupeWindow int
	// Clock は再接続の待機に使う時計。
	Clock Clock
	// Rand は[0, 1)の乱数を返す関数。バックオフのゆらぎに使用する。
	Rand func() float64
	// Dialer はWebSocketのダイアラー。
	Dialer *websocket.Dialer
	// Logger は構造化ロガー。
	Logger *zap.Logger
}

// withDefaults は未設定の項目に既定値を適用する。
func (c Config) withDefaults() Config {
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.Default()
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.BacklogPageSize <= 0 {
		c.BacklogPageSize = DefaultBacklogPageSize
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = DefaultDedupeWindow
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Client は通知配信サーバーとの接続を維持するDelivery Client。
type Client struct {
	cfg    Config
	logger *zap.Logger

	notifications chan protocol.Notification
	directs       chan protocol.DirectMessage
	states        chan StateChange

	running atomic.Bool
	reqSeq  atomic.Uint64
	// healthy は現在の接続が健全であると確認できたか。
	// pongを1回以上受け取るか、ハートビート無効時はバックログ取得が完了した時点でtrueになる。
	healthy atomic.Bool

	// mu は接続と状態を保護する。
	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan protocol.Envelope
	state     State
	stale     bool
	sessionID string

	// writeMu は接続への書き込みを直列化する。
	writeMu sync.Mutex

	// deliverMu は通知の受け渡しと重複排除の状態を保護する。
	deliverMu sync.Mutex
	// replaying がtrueの間、ライブ配信はbufferedに退避する。
	replaying bool
	buffered  []protocol.Notification
	// seen は直近に渡した通知ID。ライブ配信とバックログの重複排除に使う。
	seen *seenSet
	// syncedID はバックログ取得の起点。これ以下のIDはすべて渡し済みとみなす。
	syncedID int64
	// lastSeenID はアプリケーションへ渡した最大の通知ID。
	lastSeenID int64
	// primed は初回のバックログ取得が完了したか。
	primed bool
}

// New はDelivery Clientを生成する。接続はRunで開始する。
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("client: URLは必須です")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("client: UserIDは必須です")
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		cfg:           cfg,
		logger:        cfg.Logger.With(zap.String("user_id", cfg.UserID)),
		notifications: make(chan protocol.Notification, cfg.Buffer),
		directs:       make(chan protocol.DirectMessage, cfg.Buffer),
		states:        make(chan StateChange, cfg.Buffer),
		pending:       make(map[string]chan protocol.Envelope),
		state:         StateDisconnected,
		stale:         true,
		seen:          newSeenSet(cfg.DedupeWindow),
	}, nil
}

// Notifications は受け取った通知を古い順に返すチャネル。
// 同じIDの通知は一度しか流れない。ブロードキャストはIDが0のため重複排除の対象外。
func (c *Client) Notifications() <-chan protocol.Notification {
	return c.notifications
}

// DirectMessages はこのセッション宛てのダイレクトメッセージを返すチャネル。
func (c *Client) DirectMessages() <-chan protocol.DirectMessage {
	return c.directs
}

// States は状態遷移を返すチャネル。読み取りが追いつかない場合は遷移を破棄する。
func (c *Client) States() <-chan StateChange {
	return c.states
}

// State は現在の状態を返す。
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stale は手元の通知一覧が最新でない可能性があるかを返す。
func (c *Client) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// SessionID は現在の接続でサーバーが割り当てたセッションIDを返す。
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastSeenID はアプリケーションへ渡した最大の通知IDを返す。
func (c *Client) LastSeenID() int64 {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	return c.lastSeenID
}

// Run はctxがキャンセルされるまで接続を維持する。
// 切断されるとバックオフに従って再接続し、上限に達した場合はReconnectExhaustedErrorを返す。
// ctxのキャンセルで終了した場合はnilを返す。
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("client: Runは既に実行中です")
	}
	defer c.running.Store(false)

	attempt := 0
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateChange{State: StateDisconnected})
			return nil
		}
		// 健全だった接続が切れた場合は試行回数を数え直す
		if c.healthy.Load() {
			attempt = 0
		}

		attempt++
		delay, ok := c.cfg.Backoff.Delay(attempt, c.cfg.Rand())
		if !ok {
			c.logger.Error("再接続の試行回数が上限に達しました", zap.Int("attempts", attempt-1), zap.Error(err))
			c.setState(StateChange{State: StateDisconnected, Err: err})
			return &ReconnectExhaustedError{Attempts: attempt - 1, Err: err}
		}

		c.logger.Warn("切断されました。再接続します",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		c.setState(StateChange{State: StateDisconnected, Attempt: attempt, Delay: delay, Err: err})

		select {
		case <-ctx.Done():
			return nil
		case <-c.cfg.Clock.After(delay):
		}
	}
}

// runOnce は1本の接続で登録、バックログ取得、ハートビートを行い、切断の原因を返す。
func (c *Client) runOnce(ctx context.Context) error {
	c.healthy.Store(false)
	c.setState(StateChange{State: StateConnecting})

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RegistrationTimeout)
	conn, resp, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.URL, c.header())
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("接続に失敗: %w", err)
	}

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	c.attach(conn)
	c.beginReplay()

	var readErr error
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readErr = c.readLoop(connCtx, conn)
		cancelConn()
	}()
	defer func() {
		cancelConn()
		c.detach()
		_ = conn.Close()
		<-readDone
	}()

	// 読み取りループが先に終了していればその原因を優先する
	cause := func(err error) error {
		select {
		case <-readDone:
			if readErr != nil {
				return readErr
			}
		default:
		}
		return err
	}

	c.setState(StateChange{State: StateAwaitingRegistration})
	registered, err := c.register(connCtx)
	if err != nil {
		return cause(err)
	}
	c.mu.Lock()
	c.sessionID = registered.SessionID
	c.mu.Unlock()
	c.setState(StateChange{State: StateRegistered})
	c.logger.Info("ユーザー登録が完了しました",
		zap.String("session_id", registered.SessionID),
		zap.String("instance_id", registered.InstanceID),
	)

	if err := c.replayBacklog(connCtx); err != nil {
		return cause(fmt.Errorf("バックログの取得に失敗: %w", err))
	}
	c.markFresh()
	if c.cfg.HeartbeatInterval < 0 {
		c.healthy.Store(true)
	}

	return cause(c.heartbeat(connCtx))
}

// header はハンドシェイクで送るHTTPヘッダーを返す。
func (c *Client) header() http.Header {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return h
}

// attach は接続を要求の送信先として設定する。
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// detach は接続を外し、応答待ちの要求をすべて失敗させる。
func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.sessionID = ""
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// setState は状態を更新して遷移を通知する。Registered以外へ遷移した時点で古い状態とみなす。
func (c *Client) setState(change StateChange) {
	c.mu.Lock()
	if change.State != StateRegistered {
		c.stale = true
	}
	c.state = change.State
	change.Stale = c.stale
	c.mu.Unlock()
	c.emit(change)
}

// markFresh はバックログ取得の完了を記録する。
func (c *Client) markFresh() {
	c.mu.Lock()
	c.stale = false
	state := c.state
	c.mu.Unlock()
	c.emit(StateChange{State: state, Stale: false})
}

// emit は状態遷移をチャネルへ送る。
func (c *Client) emit(change StateChange) {
	select {
	case c.states <- change:
	default:
		c.logger.Debug("状態遷移の通知を破棄しました", zap.Stringer("state", change.State))
	}
}

// register はregisterを送り、応答を待つ。
func (c *Client) register(ctx context.Context) (*protocol.RegisterResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RegistrationTimeout)
	defer cancel()

	env, err := c.request(ctx, protocol.TypeRegister, protocol.RegisterRequest{UserID: c.cfg.UserID})
	if err != nil {
		return nil, fmt.Errorf("ユーザー登録に失敗: %w", err)
	}
	resp, err := protocol.Decode[protocol.RegisterResponse](env)
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusSuccess {
		return nil, fmt.Errorf("ユーザー登録に失敗: %w", &ServerError{Message: resp.Message})
	}
	return resp, nil
}

// heartbeat は一定間隔でpingを送り、pongが届かなければErrHeartbeatTimeoutを返す。
func (c *Client) heartbeat(ctx context.Context) error {
	if c.cfg.HeartbeatInterval < 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
			_, err := c.request(pingCtx, protocol.TypePing, protocol.Ping{SentAt: time.Now().UTC()})
			cancel()
			switch {
			case err == nil:
				c.healthy.Store(true)
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				return ErrHeartbeatTimeout
			default:
				return err
			}
		}
	}
}

// readLoop はフレームを読み取り、応答は要求元へ、プッシュはチャネルへ渡す。
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("受信に失敗: %w", err)
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn("不正なメッセージを受信しました", zap.Error(err))
			continue
		}
		if env.RequestID != "" && c.resolve(env) {
			continue
		}

		switch env.Type {
		case protocol.TypeNotification:
			n, err := protocol.Decode[protocol.Notification](env)
			if err != nil {
				c.logger.Warn("通知を解釈できません", zap.Error(err))
				continue
			}
			c.receive(ctx, *n)
		case protocol.TypeDirectMessage:
			m, err := protocol.Decode[protocol.DirectMessage](env)
			if err != nil {
				c.logger.Warn("ダイレクトメッセージを解釈できません", zap.Error(err))
				continue
			}
			select {
			case c.directs <- *m:
			case <-ctx.Done():
				return ctx.Err()
			}
		case protocol.TypePing:
			pong := protocol.Envelope{Type: protocol.TypePong, RequestID: env.RequestID, Data: env.Data}
			if err := c.write(conn, pong); err != nil {
				return fmt.Errorf("pongの送信に失敗: %w", err)
			}
		case protocol.TypeError:
			msg, err := protocol.Decode[protocol.ErrorMessage](env)
			if err == nil {
				c.logger.Warn("サーバーからエラーを受信しました", zap.String("message", msg.Message))
			}
		default:
			c.logger.Debug("未対応のメッセージを無視しました", zap.String("type", string(env.Type)))
		}
	}
}

// resolve は応答を要求元へ渡す。対応する要求が無い場合はfalseを返す。
func (c *Client) resolve(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[env.RequestID]
	if !ok {
		return false
	}
	delete(c.pending, env.RequestID)
	ch <- env
	return true
}

// request は要求を送り、同じrequest_idの応答を待つ。
func (c *Client) request(ctx context.Context, msgType protocol.MessageType, data any) (protocol.Envelope, error) {
	id := strconv.FormatUint(c.reqSeq.Add(1), 10)
	env, err := protocol.New(msgType, id, data)
	if err != nil {
		return protocol.Envelope{}, err
	}

	reply := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return protocol.Envelope{}, ErrNotConnected
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(conn, env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("%sの送信に失敗: %w", msgType, err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return protocol.Envelope{}, ErrNotConnected
		}
		if resp.Type == protocol.TypeError {
			msg, err := protocol.Decode[protocol.ErrorMessage](resp)
			if err != nil {
				return protocol.Envelope{}, err
			}
			return protocol.Envelope{}, &ServerError{Message: msg.Message}
		}
		return resp, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// write はフレームを1つ書き込む。
func (c *Client) write(conn *websocket.Conn, env protocol.Envelope) error {
	b, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// MarkRead は通知を既読にする。登録済みの接続が無い場合はErrNotConnectedを返す。
func (c *Client) MarkRead(ctx context.Context, ids ...int64) (*protocol.MarkReadResponse, error) {
	if c.State() != StateRegistered {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	env, err := c.request(ctx, protocol.TypeMarkRead, protocol.MarkReadRequest{NotificationIDs: ids})
	if err != nil {
		return nil, err
	}
	resp, err := protocol.Decode[protocol.MarkReadResponse](env)
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusSuccess {
		return resp, &ServerError{Message: resp.Message}
	}
	return resp, nil
}

// FetchNotifications は通知一覧を新しい順に取得する。
func (c *Client) FetchNotifications(ctx context.Context, req protocol.GetNotificationsRequest) ([]protocol.Notification, error) {
	if c.State() != StateRegistered {
		return nil, ErrNotConnected
	}
	return c.fetch(ctx, req)
}

// fetch はget_notificationsを送り、通知一覧を返す。
func (c *Client) fetch(ctx context.Context, req protocol.GetNotificationsRequest) ([]protocol.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	env, err := c.request(ctx, protocol.TypeGetNotifications, req)
	if err != nil {
		return nil, err
	}
	resp, err := protocol.Decode[protocol.GetNotificationsResponse](env)
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusSuccess {
		return nil, &ServerError{Message: resp.Message}
	}
	return resp.Notifications, nil
}
