package scheduler

import "time"

const (
	jobReconcile = "reconcile"
	jobDecay     = "decay"
	jobPrune     = "prune"

	defaultReconcileSchedule = "@every 30s"
	defaultShutdownTimeout   = 30 * time.Second
)
