// Package shared holds code used across the engine's packages that belongs
// to none of them.
//
// testutil carries the fixtures the integration and performance tests share:
// a controllable clock, a scriptable authority, license token helpers and a
// slog handler that records what the engine logged. Packages that the
// fixtures import (license, security) keep their own in-package fakes to
// avoid import cycles.
package shared
