// Package license decides whether a deployment may serve requests.
//
// # Architecture Overview
//
// The engine is split so the request path never waits on the network:
//
//   - Scheduler: background verification against a remote Authority
//   - Store: lock-free holder of the latest Snapshot
//   - DomainMatcher: request host against the record's authorized domains
//   - Evaluate: pure grace-period state machine
//   - Decide: maps a state to Permit, Degrade or Refuse
//   - LicenseEnforcer: the facade the request pipeline calls
//
// # Grace
//
// A confirmed license for a matching host is fully licensed. Anything else
// runs on grace measured from the last confirmation, or from the first start
// when the license was never confirmed. Once the window is spent requests are
// refused until the authority confirms again.
//
//	enforcer, err := license.NewLicenseEnforcer(cfg, scheduler, nil, metrics)
//	switch enforcer.CheckAccess(r.Host) {
//	case license.Permit:
//	case license.Degrade:
//	case license.Refuse:
//	}
//
// With enforcement off CheckAccess always permits and the scheduler need
// not exist.
package license
