package log

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldQuery      = "query"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldUserAgent  = "user_agent"
	FieldReferer    = "referer"
	FieldSuccess    = "success"
	FieldError      = "error"
	FieldOperation  = "operation"

	FieldRunID        = "run_id"
	FieldUserID       = "user_id"
	FieldBudgetID     = "budget_id"
	FieldCategoryID   = "category_id"
	FieldPostingMonth = "posting_month"
	FieldAmount       = "amount"
	FieldOldBudgeted  = "old_budgeted"
	FieldNewBudgeted  = "new_budgeted"
)

// Components defines standard component names
const (
	ComponentHTTP      = "http"
	ComponentAutoRun   = "autorun"
	ComponentWorker    = "worker"
	ComponentScheduler = "scheduler"
	ComponentSheets    = "sheets"
	ComponentNotify    = "notify"
	ComponentCache     = "cache"
	ComponentTrace     = "trace"
	ComponentBackend   = "backend"
)

// Operations defines standard operation names
const (
	OpSave    = "save"
	OpLock    = "lock"
	OpRun     = "run"
	OpCancel  = "cancel"
	OpCleanup = "cleanup"
	OpPost    = "post"
	OpRead    = "read"
	OpUpdate  = "update"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeValidation = "validation_error"
	ErrorTypeDatabase   = "database_error"
	ErrorTypeLedger     = "ledger_error"
	ErrorTypeNotFound   = "not_found_error"
	ErrorTypeInternal   = "internal_error"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithRequestID adds request ID field
func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

// WithClientIP adds client IP field
func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithRun adds the run and its owner
func (f LogFields) WithRun(runID, userID, budgetID string) LogFields {
	f[FieldRunID] = runID
	f[FieldUserID] = userID
	f[FieldBudgetID] = budgetID
	return f
}

// WithPosting adds the fields of one category-month posting. Amounts are
// passed already formatted so decimals render exactly.
func (f LogFields) WithPosting(categoryID, month, amount, oldBudgeted, newBudgeted string) LogFields {
	f[FieldCategoryID] = categoryID
	f[FieldPostingMonth] = month
	f[FieldAmount] = amount
	f[FieldOldBudgeted] = oldBudgeted
	f[FieldNewBudgeted] = newBudgeted
	return f
}

// WithHTTPRequest adds HTTP request fields
func (f LogFields) WithHTTPRequest(method, path, query, userAgent, referer string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	f[FieldReferer] = referer
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
