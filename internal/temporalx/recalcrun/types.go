package recalcrun

const (
	WorkflowName    = "experiment_recalculation"
	ActivityProcess = "experiment_recalculation.process"
)
