package controlplane

// Run status values. The lifecycle is monotonic: queued → processing →
// anonymized → delivering → delivered → deleted, with failed reachable from
// processing, anonymized and delivering. failed, deleted, and delivered with
// no delete step are terminal.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusAnonymized = "anonymized"
	StatusDelivering = "delivering"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusDeleted    = "deleted"
)

// Error codes persisted on failed runs.
const (
	ErrCodeRead          = "READ_ERROR"
	ErrCodeInvalidSchema = "INVALID_SCHEMA"
	ErrCodePresidio      = "PRESIDIO_ERROR"
	ErrCodeDelivery      = "DELIVERY_ERROR"
)

// Audit event types (closed set).
const (
	EventFileDetected       = "file_detected"
	EventWorkerHeartbeat    = "worker_heartbeat"
	EventAnonymizeStarted   = "anonymize_started"
	EventAnonymizeSucceeded = "anonymize_succeeded"
	EventDeliveryStarted    = "delivery_started"
	EventDeliverySucceeded  = "delivery_succeeded"
	EventDeliveryFailed     = "delivery_failed"
	EventCleanupDeleted     = "cleanup_deleted"
	EventRunFailed          = "run_failed"
)

// Audit event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// SourceType tags every run created by this worker.
const SourceType = "folder_upload"

// RunCreate is the body for creating a processing run. SourceFileName is
// always "sha256:<hex>" over the original file name, never a raw path.
type RunCreate struct {
	SourceType     string `json:"sourceType"`
	SourceFileName string `json:"sourceFileName"`
	SourceFileSize int64  `json:"sourceFileSize"`
	Status         string `json:"status"`
}

// RunPatch is a partial update to a processing run. Nil fields are omitted.
type RunPatch struct {
	Status               string         `json:"status,omitempty"`
	ErrorCode            string         `json:"errorCode,omitempty"`
	ErrorMessageSafe     string         `json:"errorMessageSafe,omitempty"`
	PresidioStats        map[string]int `json:"presidioStats,omitempty"`
	DeliveryTargetCount  *int           `json:"deliveryTargetCount,omitempty"`
	DeliverySuccessCount *int           `json:"deliverySuccessCount,omitempty"`
	DeliveryFailureCount *int           `json:"deliveryFailureCount,omitempty"`
	DeliveryStatusCode   *int           `json:"deliveryStatusCode,omitempty"`
	DeliveryDurationMs   *int64         `json:"deliveryDurationMs,omitempty"`
	DurationMs           *int64         `json:"durationMs,omitempty"`
}

// AuditMeta carries only numbers, booleans and short string codes. Raw
// message content never goes into audit metadata.
type AuditMeta map[string]interface{}
