// Package http holds the HTTP handlers of the license engine API.
//
// Handlers stay thin: they parse the request, call the enforcer or the
// scheduler, and render JSON. Failures are rendered as RFC 7807 problem
// documents through the errors package.
//
// # Routes
//
//	GET  /api/license/status          license.Status for ?host= or the primary host
//	GET  /api/license/check?host=     decision for one host
//	GET  /api/license/features/{tag}  whether a feature flag is usable
//	GET  /api/license/diagnostics     support summary, ?format=json|text
//	POST /api/license/refresh         run one verification attempt now
//	GET  /health                      component health of the engine
//	GET  /health/live                 liveness
//	GET  /health/ready                readiness
//
// Refresh is mounted by the application behind the admin token and a rate
// limiter, so LicenseHandler.Routes does not include it.
package http
