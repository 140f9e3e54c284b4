package notification

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nao1215/livenotify/internal/fanout"
	"github.com/nao1215/livenotify/internal/notification/registry"
)

// instrumentationName は計測器の名前。
const instrumentationName = "github.com/nao1215/livenotify/internal/notification"

// Metrics は通知配信のメトリクス。
type Metrics struct {
	// dispatched は永続化された通知の件数。
	dispatched metric.Int64Counter
	// broadcasts はブロードキャストの件数。
	broadcasts metric.Int64Counter
	// pushes はセッションへの送信に成功した件数。
	pushes metric.Int64Counter
	// pushFailures はセッションへの送信に失敗した件数。
	pushFailures metric.Int64Counter
	// fanoutPublished はFan-out Busへの発行件数。resultで成否を区別する。
	fanoutPublished metric.Int64Counter
	// fanoutReceived は他プロセスから受信したFan-outイベントの件数。
	fanoutReceived metric.Int64Counter
	// pruned は定期削除で削除された通知の件数。
	pruned metric.Int64Counter
	// registrationFailures はユーザー登録の失敗件数。reasonで理由を区別する。
	registrationFailures metric.Int64Counter
	// gauges はセッション数とユーザー数の観測コールバックの登録。
	gauges metric.Registration
}

// NewMetrics はメトリクスを作成し、レジストリのセッション数とユーザー数を観測するゲージを登録する。
func NewMetrics(mp metric.MeterProvider, reg *registry.Registry) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)

	var (
		m    Metrics
		errs []error
	)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	m.dispatched = counter("livenotify.notifications.dispatched", "永続化された通知の件数")
	m.broadcasts = counter("livenotify.notifications.broadcast", "ブロードキャストの件数")
	m.pushes = counter("livenotify.pushes", "セッションへの送信に成功した件数")
	m.pushFailures = counter("livenotify.push.failures", "セッションへの送信に失敗した件数")
	m.fanoutPublished = counter("livenotify.fanout.published", "Fan-out Busへの発行件数")
	m.fanoutReceived = counter("livenotify.fanout.received", "他プロセスから受信したFan-outイベントの件数")
	m.pruned = counter("livenotify.notifications.pruned", "定期削除で削除された通知の件数")
	m.registrationFailures = counter("livenotify.registration.failures", "ユーザー登録の失敗件数")

	sessions, err := meter.Int64ObservableGauge("livenotify.sessions", metric.WithDescription("このプロセスの生存中セッション数"))
	errs = append(errs, err)
	users, err := meter.Int64ObservableGauge("livenotify.users", metric.WithDescription("このプロセスにセッションを持つユーザー数"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("メトリクスの作成に失敗: %w", err)
	}

	m.gauges, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := reg.Stats()
		o.ObserveInt64(sessions, int64(stats.Sessions))
		o.ObserveInt64(users, int64(stats.Users))
		return nil
	}, sessions, users)
	if err != nil {
		return nil, fmt.Errorf("メトリクスのコールバック登録に失敗: %w", err)
	}
	return &m, nil
}

// Close はゲージのコールバック登録を解除する。
func (m *Metrics) Close() error {
	if m == nil || m.gauges == nil {
		return nil
	}
	return m.gauges.Unregister()
}

// 以下のメソッドはnilレシーバーでも安全に呼び出せる。

func (m *Metrics) addDispatched(ctx context.Context) {
	if m != nil {
		m.dispatched.Add(ctx, 1)
	}
}

func (m *Metrics) addBroadcast(ctx context.Context) {
	if m != nil {
		m.broadcasts.Add(ctx, 1)
	}
}

func (m *Metrics) addPush(ctx context.Context, msgType string, ok bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", msgType))
	if ok {
		m.pushes.Add(ctx, 1, attrs)
		return
	}
	m.pushFailures.Add(ctx, 1, attrs)
}

func (m *Metrics) addFanoutPublished(ctx context.Context, kind fanout.Kind, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fanoutPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("result", result),
	))
}

func (m *Metrics) addFanoutReceived(ctx context.Context, kind fanout.Kind) {
	if m != nil {
		m.fanoutReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

func (m *Metrics) addPruned(ctx context.Context, n int64) {
	if m != nil && n > 0 {
		m.pruned.Add(ctx, n)
	}
}

func (m *Metrics) addRegistrationFailure(ctx context.Context, reason string) {
	if m != nil {
		m.registrationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
