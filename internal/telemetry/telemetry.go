// Package telemetry はOpenTelemetryのトレース・メトリクス・ログの提供元を生成する。
// エンドポイントを指定した場合はOTLP/gRPCでエクスポートする。
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// metricInterval はメトリクスをエクスポートする間隔。
const metricInterval = 10 * time.Second

// Providers はOpenTelemetryの提供元と、それらをまとめて停止する関数を保持する。
type Providers struct {
	// TracerProvider はトレースの提供元。
	TracerProvider *sdktrace.TracerProvider
	// MeterProvider はメトリクスの提供元。
	MeterProvider *sdkmetric.MeterProvider
	// LoggerProvider はセッション監査ログの提供元。
	LoggerProvider *sdklog.LoggerProvider
	// shutdown は生成した提供元を逆順に停止する。
	shutdown []func(context.Context) error
}

// Config はテレメトリの設定。
type Config struct {
	// Endpoint はOTLP/gRPCのエクスポート先 (例: localhost:4317, https://collector:4317)。
	// パスは無視し、ホストとポートのみを使用する。空の場合はエクスポートしない。
	Endpoint string
	// Insecure がtrueの場合、httpsのエンドポイントでもTLSを使用しない。
	Insecure bool
	// ServiceName はリソース属性service.nameの値。
	ServiceName string
	// InstanceID はリソース属性service.instance.idの値。
	InstanceID string
}

// New はテレメトリの提供元を生成する。
// Endpointが空の場合はエクスポーターを持たない提供元を返す。
func New(ctx context.Context, cfg Config) (*Providers, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return &Providers{
			TracerProvider: sdktrace.NewTracerProvider(),
			MeterProvider:  sdkmetric.NewMeterProvider(),
			LoggerProvider: sdklog.NewLoggerProvider(),
		}, nil
	}

	target, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	insecure = insecure || cfg.Insecure

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceInstanceID(cfg.InstanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("リソースの生成に失敗: %w", err)
	}

	p := &Providers{}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target)}
	if insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("トレースエクスポーターの生成に失敗: %w", err)
	}
	p.TracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	p.shutdown = append(p.shutdown, p.TracerProvider.Shutdown)

	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("メトリクスエクスポーターの生成に失敗: %w", err)
	}
	p.MeterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(metricInterval))),
	)
	p.shutdown = append(p.shutdown, p.MeterProvider.Shutdown)

	logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(target)}
	if insecure {
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
	}
	logExp, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("ログエクスポーターの生成に失敗: %w", err)
	}
	p.LoggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	p.shutdown = append(p.shutdown, p.LoggerProvider.Shutdown)

	return p, nil
}

// parseEndpoint はエンドポイントをgRPCの接続先 (host:port) に変換する。
// スキームがhttps以外の場合はTLSを使用しない。
func parseEndpoint(endpoint string) (target string, insecure bool, err error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("OTLPエンドポイントが不正です: %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("OTLPエンドポイントにホストがありません: %q", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}

// SetGlobal はトレースとメトリクスの提供元をグローバルに設定する。
func (p *Providers) SetGlobal() {
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
}

// Shutdown は生成した提供元を逆順に停止し、残っているデータをエクスポートする。
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}
