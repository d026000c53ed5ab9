// Package audit records every gate decision.
//
// Entries are kept in a bounded store: an in-memory ring buffer or the
// audit_entries table in PostgreSQL. Recording never fails or blocks the
// caller: entries go through a bounded queue to a single writer, and a
// store failure or a full queue is logged and counted instead. Reads flush
// the queue first. Prune enforces the retention period and the entry cap,
// oldest entries first.
//
//	trail := audit.NewLogger(audit.NewMemoryStore(10000), audit.DefaultConfig())
//	defer trail.Close(ctx)
//	trail.Record(ctx, audit.Entry{
//	    Operation:   "wp:deleteUser",
//	    PrincipalID: "42",
//	    SourceAddr:  "203.0.113.7",
//	    Success:     false,
//	    Reason:      "insufficient_scope",
//	})
package audit
