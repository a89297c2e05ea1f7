// Package telemetry installs the OpenTelemetry tracer and meter providers
// used by accord's services.
//
// Services take their tracer and meter from the otel globals, so spans and
// counters go nowhere until New installs exporting providers:
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry, telemetry.WithLogger(zl))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Configuration:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc        # or http/protobuf
//	  sample_rate: 1.0
//	  metrics: true
//	  metrics_interval: 15s
//
// An exporter that cannot be built leaves the instance degraded and the
// corresponding global provider untouched; it never fails the command.
package telemetry
