package service

// Package service implements admission and supervision of extraction workers.
//
// Overview
// The Scraper validates a Request, creates the job output directory,
// registers a pending Job in the jobstore and hands it to the Supervisor.
// It returns the job id right away, it never waits on the worker.
//
// The Supervisor starts one Runner per job, at most one per job id, and
// limits the number of parallel workers with a weighted semaphore. Jobs
// waiting for a slot stay pending.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process in a working directory
//   - passes stdout and stderr to callbacks line by line
//   - kills the process after its timeout
//   - exposes a channel of Result values
//
// Data flow:
//
//   Scraper            Supervisor{id}           Runner{cmd}
//      |                    |                       |
//   Submit -> store.Create  |                       |
//      | Start(id) -------->| run() --------------->| Start()
//      |<- id               |                       | os/exec.Start + Wait() in goroutine
//      |                    |<-- stdout lines ------| JSON lines merged into the job
//      |                    |<------ Result --------| (process exits)
//      |                    | store.Merge(terminal) |
//
// Invariants:
//   - At most one Runner per job id at a time.
//   - The exit code alone decides between completed and error.
//   - A terminal job never changes again.
//   - Each run has its own timeout, after which the worker gets killed.
//
// The Janitor removes finished jobs and stale output directories on a
// gocron schedule.
