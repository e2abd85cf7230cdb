// Package engine provides the shared vocabulary of the upll configuration engine.
//
// # Overview
//
// upll is the configuration-management core of an SDN controller. It mediates between a
// user-facing virtual network model (VTNs, virtual bridges, flow filters, flow lists) and a
// set of independently managed physical or overlay controllers. The types in this package
// are used by every other package:
//
//   - Datastore: one of candidate, running, startup, audit, import, state
//   - Table: main, controller overlay, rename, deleted-pending-audit
//   - Operation: create/update/delete and the read family
//   - Scope: the config mode of a transaction (global, virtual, vtn)
//   - KeyType: the managed-object type identifier
//
// # Error Handling
//
// All failures are reported as *EngineError carrying a ResultCode from a fixed taxonomy:
//
//	err := engine.NewError(engine.CodeCfgSyntax, "dscp out of range", nil).
//		WithKey("vtn_flowfilter_entry", "vtn1/in/10").
//		WithOperation(engine.OpCreate)
//
//	if errors.Is(err, engine.ErrCfgSyntax) {
//		// reject the request
//	}
//
// CodeOf maps any error to its result code so that every call path ends in exactly one
// terminal code.
package engine
