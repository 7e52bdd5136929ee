// Package app composes the token economy into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	├── epoch/              # Epoch clocks
//	├── kappa/              # Stake-ratio multiplier curve
//	├── governance/         # Signed approval tokens
//	├── ledger/             # The single serialized aggregate and its snapshots
//	├── services/           # Operations over the ledger
//	├── storage/            # Store interfaces, memory and postgres backends
//	├── httpapi/            # HTTP API handlers and routing
//	├── system/             # Lifecycle management
//	└── metrics/            # Application metrics
//
// # Dependency Direction
//
// Services depend on the ledger and on storage interfaces only. The ledger
// forwards committed activity entries and reward receipts to the configured
// stores, so reads served from storage never observe uncommitted state.
//
//	cmd/ledgerd/
//	      │
//	      ▼
//	internal/app/ (composition) ──► httpapi
//	      │
//	      ├──► services/ ──► ledger/ ──► domain/
//	      │
//	      └──► storage/ (memory | postgres) ──► internal/platform/migrations
package app
