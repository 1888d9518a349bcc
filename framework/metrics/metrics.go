// Package metrics предоставляет метрики движка саг на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/akriventsev/granger/framework/saga"
)

// SagaMetrics сборщик метрик движка саг.
// Реализует saga.MetricsRecorder; подключается через SagaManager.WithMetrics.
type SagaMetrics struct {
	meter              metric.Meter
	sagasStarted       metric.Int64Counter
	sagasFinished      metric.Int64Counter
	sagaDuration       metric.Float64Histogram
	commandsDispatched metric.Int64Counter
	recoverySweeps     metric.Int64Counter
	recoveryProcessed  metric.Int64Counter
}

// NewSagaMetrics создает сборщик метрик движка саг
func NewSagaMetrics() (*SagaMetrics, error) {
	meter := otel.Meter("granger")

	sagasStarted, err := meter.Int64Counter(
		"saga_started_total",
		metric.WithDescription("Total number of saga instances started"),
	)
	if err != nil {
		return nil, err
	}

	sagasFinished, err := meter.Int64Counter(
		"saga_finished_total",
		metric.WithDescription("Total number of saga instances finished, by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	sagaDuration, err := meter.Float64Histogram(
		"saga_duration_seconds",
		metric.WithDescription("Saga lifetime from start to terminal status in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	commandsDispatched, err := meter.Int64Counter(
		"saga_commands_dispatched_total",
		metric.WithDescription("Total number of commands dispatched by sagas"),
	)
	if err != nil {
		return nil, err
	}

	recoverySweeps, err := meter.Int64Counter(
		"saga_recovery_sweeps_total",
		metric.WithDescription("Total number of recovery sweep runs"),
	)
	if err != nil {
		return nil, err
	}

	recoveryProcessed, err := meter.Int64Counter(
		"saga_recovery_processed_total",
		metric.WithDescription("Total number of sagas processed by recovery sweeps"),
	)
	if err != nil {
		return nil, err
	}

	return &SagaMetrics{
		meter:              meter,
		sagasStarted:       sagasStarted,
		sagasFinished:      sagasFinished,
		sagaDuration:       sagaDuration,
		commandsDispatched: commandsDispatched,
		recoverySweeps:     recoverySweeps,
		recoveryProcessed:  recoveryProcessed,
	}, nil
}

// SagaStarted фиксирует запуск нового экземпляра саги
func (m *SagaMetrics) SagaStarted(ctx context.Context, sagaType string) {
	m.sagasStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
	))
}

// SagaFinished фиксирует переход саги в терминальный статус
func (m *SagaMetrics) SagaFinished(ctx context.Context, sagaType string, status saga.Status, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("status", string(status)),
	)
	m.sagasFinished.Add(ctx, 1, attrs)
	m.sagaDuration.Record(ctx, duration.Seconds(), attrs)
}

// CommandDispatched фиксирует отправку команды на шину
func (m *SagaMetrics) CommandDispatched(ctx context.Context, typeName string) {
	m.commandsDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command_type", typeName),
	))
}

// RecoverySweep фиксирует проход recovery-цикла
func (m *SagaMetrics) RecoverySweep(ctx context.Context, sweep string, processed int) {
	attrs := metric.WithAttributes(attribute.String("sweep", sweep))
	m.recoverySweeps.Add(ctx, 1, attrs)
	m.recoveryProcessed.Add(ctx, int64(processed), attrs)
}
