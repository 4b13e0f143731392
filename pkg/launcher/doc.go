// Package launcher starts, supervises and tears down the Ops Copilot
// process stack: the API server, the log-tail ingester and the static web
// server.
//
// Each child runs in its own process group so that teardown reaches the
// processes it spawned as well. Supervision is delegated to procmgr; this
// package supplies the Syncer that runs OS processes.
//
// # Quick Start
//
//	cfg := launcher.DefaultConfig()
//	if err := cfg.Resolve(); err != nil {
//	    log.Fatal(err)
//	}
//
//	stack, err := launcher.NewBuilder(cfg).WithLogger(logger).Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := stack.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	stack.Run(ctx) // blocks until ctx is done or every child exits
//
// # Children
//
// DefaultChildren mirrors the old run.sh. A YAML manifest replaces them:
//
//	children:
//	  - name: api
//	    command: [.venv/bin/python, -m, uvicorn, app.main:app, --port, "8000"]
//	    port: 8000
//	    ready_url: http://127.0.0.1:8000/api/health
//	  - name: ingest
//	    command: [.venv/bin/python, -m, tools.tail_ingest]
//	    restart: on-failure
//	    max_restarts: 5
//
// stdout and stderr of each child are appended to <log_dir>/<name>.log.
// Every child sees OPS_RUN_ID.
//
// # Teardown
//
// Run returns after SIGTERM was sent to every child process group, the
// grace period passed, and survivors were sent SIGKILL. Teardown errors
// are logged and never fail the caller.
//
// # State File
//
// The pids and process groups of a run are kept in
// <run_dir>/opsctl.state.json. Stop and Status read it from another
// process; EnsureNotRunning refuses a second supervisor.
//
// # Platform
//
// Process groups and signals are POSIX; the package targets Linux and
// macOS.
package launcher
