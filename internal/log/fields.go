package log

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldSuccess    = "success"
	FieldError      = "error"
	FieldOperation  = "operation"
	FieldUserID     = "user_id"
	FieldAccountID  = "account_id"
	FieldPendingID  = "pending_id"
	FieldCursor     = "server_timestamp"
	FieldRetries    = "retries"
	FieldSynced     = "synced"
	FieldFailed     = "failed"
	FieldSkipped    = "skipped"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentSync      = "sync"
	ComponentQueue     = "queue"
	ComponentReconcile = "reconcile"
	ComponentZenMoney  = "zenmoney"
	ComponentTelegram  = "telegram"
	ComponentSession   = "session"
	ComponentScheduler = "scheduler"
)

// Operations defines standard operation names
const (
	OpConnect   = "connect"
	OpRefresh   = "refresh"
	OpSync      = "sync"
	OpReset     = "reset"
	OpDrain     = "drain"
	OpReconcile = "reconcile"
	OpEnqueue   = "enqueue"
	OpStartup   = "startup"
	OpShutdown  = "shutdown"
)
