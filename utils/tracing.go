package utils

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName 本模块使用的 tracer 名称
const TracerName = "github.com/weisyn/wallet-extension-go"

// Tracer 返回全局 TracerProvider 上的 tracer（未配置时为 no-op）
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// TrackOperation 开始一个内部 span，返回结束函数；err 非空时记录到 span
func TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
