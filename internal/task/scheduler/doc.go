// Package scheduler is the registry of live cron timers, one per enabled task
// or task group.
//
// The registry only triggers. A firing turns into an engine.Job on the task
// engine's bounded queue; the job's runner does the actual work. The registry
// is responsible for:
//   - registering, re-registering and unregistering entities
//   - guaranteeing no firing after Unregister returns
//   - computing next/previous fire times for diagnostics
package scheduler
