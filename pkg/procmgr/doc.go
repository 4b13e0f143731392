// Package procmgr supervises long-running child processes.
//
// Each child gets a worker goroutine that drives it through
// Starting → Running → Stopping → Stopped → Finished by calling a Syncer.
// Healthy children are resynced periodically; failed syncs are retried with
// exponential backoff from a delayed work queue.
//
//	m := procmgr.NewManager(procmgr.WithSyncer(s))
//	m.Submit(procmgr.Update{ID: "api", Kind: procmgr.KindStart, Spec: spec})
//	...
//	m.Shutdown(ctx) // stops every child, then the workers
package procmgr
