// Package websocket streams license verification events to dashboards.
//
// The hub is registered as a scheduler observer. Every attempt produces a
// license:state message; a change of outcome also produces a
// license:transition message. New clients receive the current state on
// connect.
package websocket
