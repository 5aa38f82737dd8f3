// Package main hosts the doccapture service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, admission stats and capture job endpoints. Requests are
//     parsed into capture.Request values, admitted by the admission.Scheduler and registered with the orchestrator
//     before being enqueued for work.
//   - Dispatcher & queue: jobs flow through a bounded in-memory queue sized by queue.depth (never below
//     admission.max_concurrent) and are fanned out to a fixed worker pool. Context cancellation stops workers cleanly
//     on shutdown; jobs still queued are failed as cancelled so their admission is released.
//   - Capture pipeline: each job optionally preflights the document URL with colly, opens a chromedp session, clears
//     email, one-time-code and consent gates (codes are read from the mailbox API), discovers the page count,
//     screenshots the requested pages and assembles them into a PDF.
//   - Delivery: small PDFs go to the outbox, large ones to overflow storage behind a signed link (memory/local/GCS).
//     Outcomes are published to Pub/Sub when a topic is configured, and terminal job records are kept in memory or
//     Postgres so status survives the in-process registry.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging with optional
//     lumberjack rotation; Prometheus metrics are exported via the metrics middleware and /metrics handler; the
//     progress Hub batches phase events for the log, metrics and publish sinks.
//
// Quick checklist:
//   - Configure env vars: DOCCAPTURE_SERVER_PORT, DOCCAPTURE_GATE_IDENTITY, DOCCAPTURE_OTP_BASE_URL,
//     DOCCAPTURE_OTP_INBOX, DOCCAPTURE_OTP_TOKEN, storage (DOCCAPTURE_STORAGE_*), pubsub, and the database DSN when
//     history.backend=postgres.
//   - Run the service: go run ./cmd/doccapture serve --config config.yaml.
//   - One-shot capture: go run ./cmd/doccapture capture --locator https://docs.example.com/d/abc123 --out doc.pdf.
package main
