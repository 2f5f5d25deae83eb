// Copyright 2025 Meshnet Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ferret

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func (n *Node) setupTracing() error {
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	traceExporter, err := n.newTraceExporter()
	if err != nil {
		return err
	}
	// Spans are attributed to this node's advertised identity so traces
	// from multiple nodes can be told apart in a shared collector
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("ferret"),
			semconv.ServiceInstanceID(n.config.identity),
		),
	)
	if err != nil {
		return err
	}
	tracerProvider := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
	)
	n.shutdownFuncs = append(n.shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)
	otel.SetErrorHandler(
		otel.ErrorHandlerFunc(
			func(err error) {
				n.config.logger.Error(
					fmt.Sprintf("tracing: %s", err),
				)
			},
		),
	)
	return nil
}

// newTraceExporter returns the stdout exporter when configured (useful for
// debugging) and OTLP over HTTP otherwise, configured through the standard
// OTEL_EXPORTER_OTLP_* environment variables
func (n *Node) newTraceExporter() (trace.SpanExporter, error) {
	if n.config.tracingStdout {
		return stdouttrace.New(
			stdouttrace.WithPrettyPrint(),
		)
	}
	return otlptracehttp.New(context.Background())
}
