package metrics

// Pipeline is the metric set updated by intake runs.
type Pipeline struct {
	Runs             *Counter
	RunsSkipped      *Counter
	RunsInterrupted  *Counter
	FetchFailures    *Counter
	Processed        *Counter
	Duplicates       *Counter
	Outbound         *Counter
	Orders           *Counter
	ClassifyFailures *Counter
	LedgerFailures   *Counter
	AlertFailures    *Counter
	StateFailures    *Counter

	Watermark    *Gauge
	ProcessedIDs *Gauge

	RunDuration     *Histogram
	ClassifyLatency *Histogram
}

// NewPipeline registers the pipeline metrics on c.
func NewPipeline(c *Collector) *Pipeline {
	return &Pipeline{
		Runs:             c.Counter(Prefix+"runs_total", "Pipeline runs started", ""),
		RunsSkipped:      c.Counter(Prefix+"runs_skipped_total", "Triggers skipped because a run was in flight", ""),
		RunsInterrupted:  c.Counter(Prefix+"runs_interrupted_total", "Runs stopped mid-batch by cancellation", ""),
		FetchFailures:    c.Counter(Prefix+"fetch_failures_total", "Runs aborted by a message source failure", ""),
		Processed:        c.Counter(Prefix+"messages_processed_total", "Messages finalized by the pipeline", ""),
		Duplicates:       c.Counter(Prefix+"messages_duplicate_total", "Fetched messages skipped as already processed", ""),
		Outbound:         c.Counter(Prefix+"messages_outbound_total", "Outbound messages skipped without classification", ""),
		Orders:           c.Counter(Prefix+"orders_detected_total", "Messages classified as orders", ""),
		ClassifyFailures: c.Counter(Prefix+"classify_failures_total", "Classifier calls that failed", ""),
		LedgerFailures:   c.Counter(Prefix+"ledger_failures_total", "Ledger appends that failed", ""),
		AlertFailures:    c.Counter(Prefix+"alert_failures_total", "Alert notifications that failed", ""),
		StateFailures:    c.Counter(Prefix+"state_commit_failures_total", "Durable state commits that failed", ""),

		Watermark:    c.Gauge(Prefix+"watermark_unix_seconds", "Current fetch watermark", ""),
		ProcessedIDs: c.Gauge(Prefix+"processed_ids", "Size of the dedup set", ""),

		RunDuration: c.Histogram(Prefix+"run_duration_seconds", "Pipeline run duration in seconds", "",
			[]float64{0.5, 1, 5, 15, 30, 60, 120, 300}),
		ClassifyLatency: c.Histogram(Prefix+"classify_latency_seconds", "Classifier call latency in seconds", "",
			[]float64{0.25, 0.5, 1, 2, 5, 10, 30}),
	}
}
