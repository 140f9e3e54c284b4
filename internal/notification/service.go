package notification

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nao1215/livenotify/internal/fanout"
	"github.com/nao1215/livenotify/internal/notification/registry"
	"github.com/nao1215/livenotify/internal/notification/store"
	"github.com/nao1215/livenotify/pkg/protocol"
)

// DefaultFanoutTimeout はFan-out Busへの発行1件あたりのタイムアウトの既定値。
const DefaultFanoutTimeout = 5 * time.Second

// Input は通知の送信内容。
type Input struct {
	// Title は通知のタイトル（任意）。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Severity は通知の重要度。
	Severity protocol.Severity `json:"severity"`
	// Category は任意の分類タグ。
	Category string `json:"category"`
	// Payload はアプリケーション固有の構造化データ（任意）。
	Payload json.RawMessage `json:"payload"`
}

// DirectInput はダイレクトメッセージの送信内容。
type DirectInput struct {
	// Message はメッセージ本文。
	Message string `json:"message"`
	// SenderID は送信者のID（任意）。
	SenderID string `json:"sender_id"`
	// Data はアプリケーション固有の構造化データ（任意）。
	Data json.RawMessage `json:"data"`
}

// Stats はサーバープロセスの接続状況。
type Stats struct {
	// InstanceID はサーバープロセスの識別子。
	InstanceID string `json:"instance_id"`
	// Sessions は生存中のセッション数。
	Sessions int `json:"sessions"`
	// Users はセッションを1つ以上持つユーザー数。
	Users int `json:"users"`
}

// ServiceOption はServiceの設定を変更する関数。
type ServiceOption func(*Service)

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTracerProvider はトレースの提供元を設定する。未設定の場合はグローバルの提供元を使用する。
func WithTracerProvider(tp trace.TracerProvider) ServiceOption {
	return func(s *Service) {
		s.tracer = tp.Tracer(instrumentationName)
	}
}

// WithFanoutTimeout はFan-out Busへの発行1件あたりのタイムアウトを設定する。
func WithFanoutTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.fanoutTimeout = d
		}
	}
}

// Service は通知の永続化とライブ配信を統括するNotification Service。
//
// 通知はまず永続化され、次に自プロセスのセッションへ配信され、最後に
// Fan-out Busを経由して他プロセスのセッションへ配信される。
// ライブ配信の失敗は記録するだけで再試行せず、送信者には永続化の結果のみを返す。
type Service struct {
	// instanceID はこのサーバープロセスの識別子。Fan-outイベントの発行元として使用する。
	instanceID string
	// store は通知の永続化先。
	store store.Store
	// registry は自プロセスのセッションの登録簿。
	registry *registry.Registry
	// bus は他プロセスへの中継に使用するFan-out Bus。nilの場合は中継しない。
	bus fanout.Bus
	// logger は構造化ロガー。
	logger *zap.Logger
	// metrics は配信のメトリクス。nilの場合は計測しない。
	metrics *Metrics
	// tracer は送信処理のトレースに使用する。
	tracer trace.Tracer
	// audit はセッション監査ログの出力先。
	audit otellog.Logger
	// fanoutTimeout はFan-out Busへの発行1件あたりのタイムアウト。
	fanoutTimeout time.Duration
	// now は現在時刻を返す関数。
	now func() time.Time
	// inflight は発行中のFan-outイベントの数を管理する。
	inflight sync.WaitGroup
}

// NewService は新しいNotification Serviceを生成する。
func NewService(instanceID string, st store.Store, reg *registry.Registry, bus fanout.Bus, opts ...ServiceOption) *Service {
	s := &Service{
		instanceID:    instanceID,
		store:         st,
		registry:      reg,
		bus:           bus,
		logger:        zap.NewNop(),
		tracer:        otel.GetTracerProvider().Tracer(instrumentationName),
		audit:         noopAuditLogger(),
		fanoutTimeout: DefaultFanoutTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstanceID はこのサーバープロセスの識別子を返す。
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Dispatch は通知を永続化し、受信者の全セッションへ配信する。
// 永続化に失敗した場合のみエラーを返す。配信の成否は戻り値に影響しない。
func (s *Service) Dispatch(ctx context.Context, recipientID string, in Input) (*store.Notification, error) {
	ctx, span := s.tracer.Start(ctx, "notification.Dispatch", trace.WithAttributes(
		attribute.String("recipient_id", recipientID),
		attribute.String("severity", string(in.Severity)),
	))
	defer span.End()

	n, err := s.store.Create(ctx, store.CreateParams{
		RecipientID: recipientID,
		Title:       in.Title,
		Message:     in.Message,
		Severity:    in.Severity,
		Category:    in.Category,
		Payload:     in.Payload,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "通知の永続化に失敗")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("notification_id", n.ID))
	s.metrics.addDispatched(ctx)

	wire := n.ToProtocol()
	delivered := s.pushToUser(ctx, recipientID, wire)
	span.SetAttributes(attribute.Int("local_sessions", delivered))

	s.publish(fanout.Event{
		Kind:         fanout.KindNotification,
		Origin:       s.instanceID,
		RecipientID:  recipientID,
		Notification: &wire,
	})
	return n, nil
}

// DispatchBroadcast は全ユーザー（excludeUserIDsを除く）の全セッションへ通知を配信する。
// ブロードキャストは永続化せず、接続中のセッションにのみ届く。
func (s *Service) DispatchBroadcast(ctx context.Context, in Input, excludeUserIDs []string) (protocol.Notification, error) {
	ctx, span := s.tracer.Start(ctx, "notification.DispatchBroadcast", trace.WithAttributes(
		attribute.Int("excluded_users", len(excludeUserIDs)),
	))
	defer span.End()

	if err := store.ValidateContent(in.Message, in.Severity, in.Payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "入力値が不正")
		return protocol.Notification{}, err
	}
	s.metrics.addBroadcast(ctx)

	wire := protocol.Notification{
		Title:     in.Title,
		Message:   in.Message,
		Severity:  in.Severity,
		Category:  in.Category,
		Payload:   in.Payload,
		CreatedAt: s.now().UTC(),
		Broadcast: true,
	}
	s.pushToAll(ctx, wire, excludeUserIDs)

	s.publish(fanout.Event{
		Kind:           fanout.KindBroadcast,
		Origin:         s.instanceID,
		ExcludeUserIDs: excludeUserIDs,
		Notification:   &wire,
	})
	return wire, nil
}

// SendDirect は特定のセッションへダイレクトメッセージを送信する。
// セッションが自プロセスに無い場合はFan-out Busへ中継する。ダイレクトメッセージは永続化しない。
func (s *Service) SendDirect(ctx context.Context, sessionID string, in DirectInput) (protocol.DirectMessage, error) {
	if strings.TrimSpace(sessionID) == "" {
		return protocol.DirectMessage{}, &store.ValidationError{Field: "session_id", Reason: "空にできません"}
	}
	if strings.TrimSpace(in.Message) == "" {
		return protocol.DirectMessage{}, &store.ValidationError{Field: "message", Reason: "空にできません"}
	}
	if len(in.Data) > 0 && !json.Valid(in.Data) {
		return protocol.DirectMessage{}, &store.ValidationError{Field: "data", Reason: "JSONとして不正です"}
	}

	msg := protocol.DirectMessage{
		ID:        uuid.NewString(),
		Message:   in.Message,
		CreatedAt: s.now().UTC(),
		SenderID:  in.SenderID,
		Data:      in.Data,
	}

	if sess, ok := s.registry.Lookup(sessionID); ok {
		if err := s.pushDirect(ctx, sess, msg); err != nil {
			return protocol.DirectMessage{}, err
		}
		return msg, nil
	}

	s.publish(fanout.Event{
		Kind:      fanout.KindDirect,
		Origin:    s.instanceID,
		SessionID: sessionID,
		Direct:    &msg,
	})
	return msg, nil
}

// HandleBusEvent は他プロセスから中継されたイベントを自プロセスのセッションへ配信する。
// 自プロセスが発行したイベントは配信済みのため無視する。
func (s *Service) HandleBusEvent(ctx context.Context, ev fanout.Event) {
	if ev.Origin == s.instanceID {
		return
	}
	s.metrics.addFanoutReceived(ctx, ev.Kind)

	switch ev.Kind {
	case fanout.KindNotification:
		s.pushToUser(ctx, ev.RecipientID, *ev.Notification)
	case fanout.KindBroadcast:
		s.pushToAll(ctx, *ev.Notification, ev.ExcludeUserIDs)
	case fanout.KindDirect:
		if sess, ok := s.registry.Lookup(ev.SessionID); ok {
			_ = s.pushDirect(ctx, sess, *ev.Direct)
		}
	default:
		s.logger.Warn("不明なFan-outイベントを受信しました",
			zap.String("kind", string(ev.Kind)),
			zap.String("origin", ev.Origin),
		)
	}
}

// Connect はセッションをレジストリへ登録する。
func (s *Service) Connect(sess registry.Session) error {
	if err := s.registry.Register(sess); err != nil {
		return err
	}
	s.logger.Info("セッションを登録しました",
		zap.String("session_id", sess.ID()),
		zap.String("user_id", sess.UserID()),
	)
	s.emitSessionEvent(context.Background(), auditSessionRegistered, sess)
	return nil
}

// Disconnect はセッションをレジストリから削除する。未登録の場合は何もしない。
func (s *Service) Disconnect(sessionID string) {
	sess, ok := s.registry.Lookup(sessionID)
	if !s.registry.Unregister(sessionID) {
		return
	}
	s.logger.Info("セッションを削除しました", zap.String("session_id", sessionID))
	if ok {
		s.emitSessionEvent(context.Background(), auditSessionUnregistered, sess)
	}
}

// List はユーザーの通知を新しい順に返す。
func (s *Service) List(ctx context.Context, params store.ListParams) ([]store.Notification, error) {
	return s.store.List(ctx, params)
}

// MarkRead は要求者が所有する通知を既読にする。
func (s *Service) MarkRead(ctx context.Context, recipientID string, ids []int64) (*store.MarkReadResult, error) {
	return s.store.MarkRead(ctx, recipientID, ids)
}

// MarkAllRead はユーザーの未読通知をすべて既読にする。
func (s *Service) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	return s.store.MarkAllRead(ctx, recipientID)
}

// UnreadCount はユーザーの未読通知の件数を返す。
func (s *Service) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	return s.store.UnreadCount(ctx, recipientID)
}

// Stats はこのプロセスの接続状況を返す。
func (s *Service) Stats() Stats {
	rs := s.registry.Stats()
	return Stats{InstanceID: s.instanceID, Sessions: rs.Sessions, Users: rs.Users}
}

// Wait は発行中のFan-outイベントがすべて完了するまで待つ。
func (s *Service) Wait() {
	s.inflight.Wait()
}

// pushToUser はユーザーの全セッションへ通知を1回ずつ送信し、成功したセッション数を返す。
func (s *Service) pushToUser(ctx context.Context, userID string, n protocol.Notification) int {
	sessions := s.registry.SessionsFor(userID)
	if len(sessions) == 0 {
		return 0
	}
	env, err := protocol.NewNotification(n)
	if err != nil {
		s.logger.Error("通知のエンコードに失敗しました", zap.Int64("notification_id", n.ID), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, sess := range sessions {
		if s.push(ctx, sess, env) {
			delivered++
		}
	}
	return delivered
}

// pushToAll は除外対象以外の全ユーザーのセッションへ通知を送信する。
func (s *Service) pushToAll(ctx context.Context, n protocol.Notification, excludeUserIDs []string) {
	env, err := protocol.NewNotification(n)
	if err != nil {
		s.logger.Error("通知のエンコードに失敗しました", zap.Error(err))
		return
	}
	for _, userID := range s.registry.AllLocalUsers() {
		if slices.Contains(excludeUserIDs, userID) {
			continue
		}
		for _, sess := range s.registry.SessionsFor(userID) {
			s.push(ctx, sess, env)
		}
	}
}

// pushDirect はセッションへダイレクトメッセージを送信する。
func (s *Service) pushDirect(ctx context.Context, sess registry.Session, msg protocol.DirectMessage) error {
	env, err := protocol.NewDirectMessage(msg)
	if err != nil {
		return err
	}
	if err := sess.Push(env); err != nil {
		terr := &TransportError{SessionID: sess.ID(), UserID: sess.UserID(), Err: err}
		s.metrics.addPush(ctx, string(env.Type), false)
		s.logger.Warn("ダイレクトメッセージの送信に失敗しました", zap.Error(terr))
		return terr
	}
	s.metrics.addPush(ctx, string(env.Type), true)
	return nil
}

// push はセッションへ1回だけ送信を試みる。失敗はTransportErrorとして記録し、再試行しない。
func (s *Service) push(ctx context.Context, sess registry.Session, env protocol.Envelope) bool {
	if err := sess.Push(env); err != nil {
		terr := &TransportError{SessionID: sess.ID(), UserID: sess.UserID(), Err: err}
		s.metrics.addPush(ctx, string(env.Type), false)
		s.logger.Warn("セッションへの送信に失敗しました", zap.Error(terr))
		return false
	}
	s.metrics.addPush(ctx, string(env.Type), true)
	return true
}

// publish はFan-out Busへイベントを非同期に発行する。呼び出し元は完了を待たない。
func (s *Service) publish(ev fanout.Event) {
	if s.bus == nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.fanoutTimeout)
		defer cancel()

		err := s.bus.Publish(ctx, ev)
		s.metrics.addFanoutPublished(ctx, ev.Kind, err)
		if err != nil && !errors.Is(err, fanout.ErrClosed) {
			s.logger.Warn("Fan-outイベントの発行に失敗しました",
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}
	}()
}
