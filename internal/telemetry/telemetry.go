package telemetry

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "swarmctl"

// InitMeterProvider installs a global MeterProvider backed by a Prometheus
// exporter and returns the /metrics handler.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "swarmctl"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

var (
	AttrType    = attribute.Key("type")
	AttrResult  = attribute.Key("result")
	AttrKind    = attribute.Key("kind")
	AttrStatus  = attribute.Key("status")
	AttrAllowed = attribute.Key("allowed")
)

var (
	initOnce          sync.Once
	tasksCounter      metric.Int64Counter
	taskDuration      metric.Float64Histogram
	gateCounter       metric.Int64Counter
	deliveriesCounter metric.Int64Counter
	alertsCounter     metric.Int64Counter
)

// InitMetrics creates the instruments once. Call after InitMeterProvider;
// until then every Record helper is a no-op.
func InitMetrics(ctx context.Context) error {
	var err error
	initOnce.Do(func() {
		m := Meter()
		if tasksCounter, err = m.Int64Counter("swarmctl_tasks_total", metric.WithDescription("Tasks handled by type and result")); err != nil {
			return
		}
		if taskDuration, err = m.Float64Histogram("swarmctl_task_duration_seconds", metric.WithDescription("Task handler duration")); err != nil {
			return
		}
		if gateCounter, err = m.Int64Counter("swarmctl_gate_decisions_total", metric.WithDescription("Tool gate and approval gate decisions")); err != nil {
			return
		}
		if deliveriesCounter, err = m.Int64Counter("swarmctl_delivery_attempts_total", metric.WithDescription("Signed delivery attempts by stream and outcome")); err != nil {
			return
		}
		alertsCounter, err = m.Int64Counter("swarmctl_alerts_total", metric.WithDescription("Inbound alerts by outcome"))
	})
	return err
}

func RecordTask(ctx context.Context, taskType, result string, seconds float64) {
	if tasksCounter != nil {
		tasksCounter.Add(ctx, 1, metric.WithAttributes(AttrType.String(taskType), AttrResult.String(result)))
	}
	if taskDuration != nil {
		taskDuration.Record(ctx, seconds, metric.WithAttributes(AttrType.String(taskType)))
	}
}

// RecordGateDecision counts one decision. kind is "skill", "task" or "approval".
func RecordGateDecision(ctx context.Context, kind string, allowed bool) {
	if gateCounter == nil {
		return
	}
	gateCounter.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind), AttrAllowed.Bool(allowed)))
}

func RecordDelivery(ctx context.Context, stream, status string) {
	if deliveriesCounter == nil {
		return
	}
	deliveriesCounter.Add(ctx, 1, metric.WithAttributes(AttrKind.String(stream), AttrStatus.String(status)))
}

// RecordAlert counts an alert outcome: fired, suppressed or resolved.
func RecordAlert(ctx context.Context, outcome string) {
	if alertsCounter == nil {
		return
	}
	alertsCounter.Add(ctx, 1, metric.WithAttributes(AttrResult.String(outcome)))
}
