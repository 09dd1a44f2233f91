package scheduletick

const (
	WorkflowName = "experiment_timeseries_schedule"
	ActivityTick = "experiment_timeseries_schedule.tick"

	// WorkflowID names the singleton hourly cron execution.
	WorkflowID = "experiment-timeseries-schedule"

	// CronHourly fires at minute zero of every hour.
	CronHourly = "0 * * * *"
)
