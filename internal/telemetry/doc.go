// Package telemetry 初始化 OpenTelemetry SDK，为上游生图请求提供
// TracerProvider 与 MeterProvider。
// 遥测禁用时使用 noop 实现，不连接任何外部服务。
package telemetry
