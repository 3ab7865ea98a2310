// Package integration holds tests that run the license engine end to end:
// scheduler, storage, authorities and the HTTP gate together.
package integration
