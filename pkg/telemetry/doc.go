// Package telemetry provides logging, tracing and metrics for rebase runs.
//
// Logging uses zerolog. Library components take a zerolog.Logger value;
// the CLI builds it from a *Logger created with NewLogger.
//
// Tracing uses OpenTelemetry with a stdout or OTLP gRPC exporter. Spans
// cover the run, each build attempt and each checker.
//
// Metrics are kept in a private Prometheus registry and written to a
// textfile in the results directory when the run ends:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background(), resultsDir)
package telemetry
