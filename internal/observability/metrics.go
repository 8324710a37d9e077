package observability

const (
	MSyncRuns        MetricKey = "sync_runs_total"
	MSyncRunDuration MetricKey = "sync_run_duration_seconds"
	MOrderOutcomes   MetricKey = "sync_order_outcomes_total"
	MRetryAttempts   MetricKey = "retry_attempts_total"
	MInconsistencies MetricKey = "ledger_inconsistencies_total"
	MWaybillFailures MetricKey = "waybill_failures_total"

	MExternalRequests        MetricKey = "external_requests_total"
	MExternalRequestDuration MetricKey = "external_request_duration_seconds"
)
