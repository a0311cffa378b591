// Package instrument adds Prometheus metrics and OpenTelemetry tracing to any
// checkpoint.Saver.
//
//	metrics, err := instrument.NewMetrics(prometheus.DefaultRegisterer, "myapp")
//	if err != nil {
//		return err
//	}
//	saver := instrument.Wrap(store,
//		instrument.WithMetrics(metrics),
//		instrument.WithBackendName("postgres"),
//	)
//
// Every operation produces one span named "checkpoint.<operation>" carrying
// the thread id, namespace and checkpoint id, and increments
// <namespace>_checkpoint_operations_total{backend,operation,status}. The status
// label is one of ok, storage_error, serialization_error, invalid_config,
// closed or error.
//
// The decorated Saver can itself be wrapped by checkpoint.NewAsyncStore.
package instrument
