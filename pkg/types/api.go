package types

// ErrorBody is the {"error": {...}} shape returned on every non-2xx response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ErrorResponse wraps ErrorBody as the top-level JSON document.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ModelObject is one entry of GET /v1/models, OpenAI-compatible.
type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsListResponse is the body of GET /v1/models.
type ModelsListResponse struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	ModelsTotal  int    `json:"models_total"`
	ModelsActive int    `json:"models_active"`
}

// ModelMetrics is the per-model fragment of GET /metrics.
type ModelMetrics struct {
	Status           State   `json:"status"`
	RequestCount     int64   `json:"request_count"`
	MemoryUsageMB    float64 `json:"memory_usage_mb"`
	CPUUsagePercent  float64 `json:"cpu_usage_percent"`
	UptimeSeconds    float64 `json:"uptime"`
	LastAccessed     string  `json:"last_accessed,omitempty"`
}

// MetricsResponse is the body of GET /metrics.
type MetricsResponse struct {
	Models map[string]ModelMetrics `json:"models"`
}

// AdminModelStatus is the body of GET /admin/models/{name}/status.
type AdminModelStatus struct {
	Name           string  `json:"name"`
	State          State   `json:"state"`
	Port           int     `json:"port"`
	Priority       int     `json:"priority"`
	ResourceGroup  string  `json:"resource_group"`
	Preload        bool    `json:"preload"`
	RequestCount   int64   `json:"request_count"`
	FailureStreak  int     `json:"failure_streak"`
	QueueDepth     int     `json:"queue_depth"`
	LastActivity   string  `json:"last_activity,omitempty"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// BulkOpResult is one model's outcome inside a bulk admin verb response.
type BulkOpResult struct {
	Name    string `json:"name"`
	Ok      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	NoOp    bool   `json:"no_op,omitempty"`
}

// BulkOpResponse is the response body of start-all/stop-all/restart-all and
// group-scoped start/stop.
type BulkOpResponse struct {
	Results []BulkOpResult `json:"results"`
}

// GroupStatus rolls up the models sharing a resource_group.
type GroupStatus struct {
	Group  string             `json:"group"`
	Models []AdminModelStatus `json:"models"`
}

// GroupStatusResponse is the body of GET /admin/groups/status.
type GroupStatusResponse struct {
	Groups []GroupStatus `json:"groups"`
}

// QueueStatus describes one model's queue.
type QueueStatus struct {
	Name    string `json:"name"`
	Depth   int    `json:"depth"`
	Cap     int    `json:"capacity"`
	Oldest  string `json:"oldest_enqueued_at,omitempty"`
}

// QueueStatusResponse is the body of GET /admin/queue/status.
type QueueStatusResponse struct {
	Queues []QueueStatus `json:"queues"`
}

// OpResult is a single-model control verb's response (start/stop/reload).
type OpResult struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	NoOp  bool   `json:"no_op,omitempty"`
}
