// Package store provides the emissary ledger using SQLite.
//
// # Overview
//
// The ledger is an append-mostly record of what the daemon and its operators
// did. It is optional: when general.ledger is unset nothing is written.
//
//	ledger, err := store.NewSQLiteStore(cfg.General.Ledger)
//	if err != nil {
//	    return err
//	}
//	defer ledger.Close()
//
// # Tables
//
//   - operator_events: spawn, exit, stop, kill, removal and reconfiguration
//     events written by the supervisor
//   - messages: one row per inbound message an operator finished, keyed by
//     uuid (agent, method, status, note, trip time)
//
// The database runs in WAL mode with a busy timeout because the daemon and
// every operator process open the same file.
//
// # Usage
//
//	_ = ledger.RecordEvent(ctx, &store.OperatorEvent{
//	    Signature: "main",
//	    Event:     store.EventSpawned,
//	    PID:       pid,
//	})
//
//	events, _ := ledger.ListEvents(ctx, store.EventFilter{Signature: "main", Limit: 20})
package store
