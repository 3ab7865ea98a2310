// Package performance benchmarks the license hot path and checks that
// access decisions stay lock-free while verification is in flight.
package performance
