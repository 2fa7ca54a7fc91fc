// Package metrics exposes runtime counters via expvar.
package metrics

import "expvar"

var (
	WindowsRegistered    = expvar.NewInt("windows_registered")
	WindowsSkipped       = expvar.NewInt("windows_skipped")
	WindowsApplied       = expvar.NewInt("windows_applied")
	WindowsFailed        = expvar.NewInt("windows_failed")
	ClaimConflicts       = expvar.NewInt("claim_conflicts")
	LeaseAcquireFailures = expvar.NewInt("lease_acquire_failures")
	LeaseLostMidApply    = expvar.NewInt("lease_lost_mid_apply")
	TransientRetries     = expvar.NewInt("transient_retries")
	AlertsDispatched     = expvar.NewInt("alerts_dispatched")
	AlertsFailed         = expvar.NewInt("alerts_failed")
	SchedulerPauses      = expvar.NewInt("scheduler_pauses")
	SchedulerResumes     = expvar.NewInt("scheduler_resumes")
	FullLoadsTriggered   = expvar.NewInt("full_loads_triggered")
	EntriesRewound       = expvar.NewInt("entries_rewound")
)
