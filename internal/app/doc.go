// Package app composes the farming platform's services into a running
// application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── account/        # Platform accounts and referral bonds
//	│   ├── farming/        # Farming positions and boost packages
//	│   └── ledger/         # Ledger entries, balances, currencies
//	├── services/           # Business logic
//	│   ├── ledger/         # Idempotent two-phase ledger writer
//	│   ├── deposits/       # External deposit admission
//	│   ├── farming/        # Yield accrual, purchases, reward scheduler
//	│   ├── referral/       # Multi-level reward fan-out
//	│   ├── accounts/       # Registration and inviter chains
//	│   ├── bonus/          # Daily bonus claims
//	│   └── withdrawal/     # Withdrawal requests and settlement
//	├── storage/            # Store interfaces plus memory and postgres backends
//	├── httpapi/            # REST handlers, auth middleware, routing
//	├── notify/             # Websocket balance-change fan-out
//	├── system/             # Service lifecycle manager
//	├── runtime/            # Process assembly (config, stores, HTTP server)
//	└── metrics/            # Prometheus collectors
//
// Business logic lives in services/; app itself only wires services together,
// owns the storage interfaces they depend on, and manages startup and
// shutdown ordering. All balance mutations flow through the ledger writer so
// that idempotency and the balance projection stay in one place.
package app
