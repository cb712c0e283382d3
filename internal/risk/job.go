package risk

// DailyResetJob clears the daily loss halt and realized P&L tally once
// per trading day. Implements scheduler.Job.
type DailyResetJob struct {
	Engine *Engine
}

// Name implements scheduler.Job.
func (j *DailyResetJob) Name() string { return "daily-risk-reset" }

// Run implements scheduler.Job.
func (j *DailyResetJob) Run() error {
	j.Engine.ResetDaily()
	return nil
}
