// Package app composes the sync services into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── feed/           # Feed domains, snapshots, payload models
//	│   └── student/        # Student profiles
//	├── cache/              # TTL snapshot cache (memory and redis backends)
//	├── eventlog/           # Bounded operational journal
//	├── httpapi/            # Admin HTTP API handlers and routing
//	├── metrics/            # Prometheus collectors
//	├── services/           # Sync services
//	│   ├── students/       # Per-student session/client contexts, registry
//	│   ├── scheduler/      # Recurring task engine and status tracker
//	│   ├── feeds/          # Source-domain fetchers
//	│   ├── digest/         # Derived summary/preparation digests
//	│   └── maintenance/    # Cache sweeper
//	└── system/             # Service lifecycle management
//
// The app package wires services together and owns their lifecycle; the
// business rules live under internal/app/services. cmd/syncd builds an
// Application from the loaded configuration and serves the admin API on
// top of it.
package app
