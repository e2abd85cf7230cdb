// Package telemetry provides the observability layer of the configuration
// engine: structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and the event publisher that carries change notifications.
//
// # Usage
//
// Initialize telemetry at process start:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Engine components take a plain zerolog.Logger and add the episode and
// controller fields with WithEpisodeID and WithController:
//
//	logger := telemetry.WithEpisodeID(tel.Logger.Zerolog(), episodeID)
//
// # Tracing
//
// Spans are opened per commit episode, per manager operation and per driver
// call:
//
//	ctx, span := tel.Tracer.StartEpisodeSpan(ctx, episodeID, "commit", "flowlist", "global")
//	defer span.End()
//
// Supported exporters are "otlp", "stdout" and "none".
//
// # Metrics
//
// Metrics live on a private registry exposed at MetricsConfig.Path when a
// listen address is configured. Key series:
//
//   - upll_commit_episodes_started_total{kind}
//   - upll_commit_episodes_completed_total{kind,status}
//   - upll_rows_committed_total{key_type,operation}
//   - upll_driver_calls_total{controller,operation}
//   - upll_driver_errors_total{controller,operation,code}
//   - upll_status_consolidations_total{key_type,status}
//   - upll_capability_filter_total{key_type,outcome}
//   - upll_errors_by_code_total{code}
//   - upll_change_notifications_failed_total{key_type}
//
// # Events
//
// Change notifications are published after a row is committed to running.
// Notify blocks until the event is queued or the publish timeout elapses,
// Publish drops it when the buffer is full:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Key)
//	}, telemetry.FilterByType(telemetry.EventTypeConfigCreated))
package telemetry
