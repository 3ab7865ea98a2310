// Package app wires the license engine into a runnable daemon.
//
// Initialization order:
//
//  1. Load configuration (defaults, YAML file, RESIZER_* environment)
//  2. Initialize logging and OpenTelemetry
//  3. Build authority, token verifier and state storage
//  4. Create the scheduler and restore persisted state
//  5. Build the enforcer, health checks and websocket hub
//  6. Set up the chi router and the HTTP server
//
// With license.enforce off only the enforcer, the hub and the API are built;
// nothing talks to an authority and every check permits.
//
// Start launches the scheduler, hub and server under one errgroup. Stop shuts
// the server down, stops the scheduler and then closes storage and telemetry.
package app
