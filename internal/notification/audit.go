package notification

import (
	"context"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/noop"

	"github.com/nao1215/livenotify/internal/notification/registry"
)

// セッション監査イベントの種類。
const (
	auditSessionRegistered   = "session.registered"
	auditSessionUnregistered = "session.unregistered"
)

// WithLoggerProvider はセッション監査ログの出力先を設定する。
// 未設定の場合は監査ログを出力しない。
func WithLoggerProvider(lp otellog.LoggerProvider) ServiceOption {
	return func(s *Service) {
		s.audit = lp.Logger(instrumentationName)
	}
}

// noopAuditLogger は監査ログを破棄するロガーを返す。
func noopAuditLogger() otellog.Logger {
	return noop.NewLoggerProvider().Logger(instrumentationName)
}

// emitSessionEvent はセッションの登録・削除をOpenTelemetryのログレコードとして出力する。
func (s *Service) emitSessionEvent(ctx context.Context, event string, sess registry.Session) {
	var rec otellog.Record
	rec.SetTimestamp(s.now().UTC())
	rec.SetEventName(event)
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue(event))
	rec.AddAttributes(
		otellog.String("instance_id", s.instanceID),
		otellog.String("session_id", sess.ID()),
		otellog.String("user_id", sess.UserID()),
	)
	s.audit.Emit(ctx, rec)
}

