// Copyright 2024-2026 Aiku AI

// Package connector assembles a running WhatsApp-Telegram bridge from its
// parts and connects their events.
//
// # Core Types
//
// [Connector] owns the MongoDB store, the session manager, the WhatsApp
// connection manager and client, the Telegram client, the bridge directory,
// the message pipeline and the command registry. [Open] builds it from a
// [config.Config]; [Connector.Run] blocks until shutdown.
//
// # Event Flow
//
// WhatsApp events arrive on the whatsmeow event loop and Telegram updates on
// the long-polling goroutine. Both are handed to the pipeline, which runs
// each one on its own goroutine so neither loop blocks. Telegram text that
// parses as a bot command goes to the command registry instead.
//
// When the WhatsApp connection opens the connector syncs the address book,
// registers the bot command menu and notifies the owner. The address book is
// synced again every directory.contact_sync_interval.
//
// # Admin API
//
// When admin_api_addr is set an HTTP server exposes:
//
//   - GET /healthz
//   - GET /metrics (Prometheus)
//   - GET /api/status
//   - POST /api/sync-contacts
//   - POST /api/send with a JSON body of conversation_id and text
package connector
