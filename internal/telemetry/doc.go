// Package telemetry wires OpenTelemetry tracing and metrics for
// sessionbridge.
//
// New builds OTLP (gRPC or HTTP/protobuf) trace and metric providers from
// Config and installs them globally. Exporter failures degrade the instance
// instead of failing startup; the protocol keeps working without telemetry.
//
//	tel, err := telemetry.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry, which records spans in memory and collects
// metrics through a ManualReader.
package telemetry
