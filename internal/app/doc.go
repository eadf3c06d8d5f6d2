// Package app composes the veil services into a running application.
//
// It sits above the service and storage layers and is responsible for
// wiring, not business logic:
//
//	internal/app/
//	├── application.go      # Application struct, wiring, lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── analysis/       # Analysis results and moderation verdicts
//	│   ├── budget/         # Monthly budget periods and status
//	│   ├── confession/     # Journal entries
//	│   ├── tenant/         # Caller identity and roles
//	│   └── usage/          # Usage event records
//	├── storage/            # Store interfaces and implementations
//	│   ├── interfaces.go   # BudgetStore, UsageEventStore, ConfessionStore
//	│   ├── memory/         # In-memory implementation for dev and tests
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Business logic
//	│   ├── governor/       # AI usage governor: gate, cache, ledger, audit
//	│   ├── heuristic/      # Local fallback analyzer
//	│   ├── inference/      # Chat-completions client
//	│   ├── moderation/     # Moderation client
//	│   └── maintenance/    # Scheduled cache sweeps and budget snapshots
//	├── httpapi/            # HTTP handlers, routing, middleware
//	├── metrics/            # Request metrics
//	└── system/             # Service lifecycle management
//
// The dependency flow is cmd/veild -> internal/app/runtime -> internal/app,
// which in turn composes internal/app/services with storage and exposes the
// result through internal/app/httpapi.
package app
