// Package config loads the process configuration of the upll engine.
//
// Configuration is a single YAML document validated with struct tags:
//
//	store:
//	  backend: sqlite
//	  path: /var/lib/upll/upll.db
//	  max_open_conns: 25
//	telemetry:
//	  service_name: upll
//	  logging: {level: info, format: json}
//	  tracing: {enabled: true, exporter: otlp, endpoint: "collector:4317"}
//	driver:
//	  timeout: 30s
//	  parallelism: 8
//	capabilities: /etc/upll/capabilities.yaml
//	controllers:
//	  - {id: c1, type: odc, version: "1.0", domains: [d1]}
//
// Default returns a runnable configuration backed by an in-memory store.
// Missing sections of a loaded file keep their defaults.
package config
