package model

// Column names shared by every table the pipeline reads or writes.
const (
	ColBundleID     = "bundle_id"
	ColStore        = "store"
	ColStatus       = "status"
	ColURL          = "url"
	ColStatusCode   = "status_code"
	ColAttempts     = "attempts"
	ColErrorReason  = "error_reason"
	ColErrorClass   = "error_class"
	ColDeveloperURL = "developer_url"
	ColSourceStore  = "source_store"
)

// FetchStatus is the terminal outcome recorded for one identifier.
type FetchStatus string

const (
	FetchStatusSuccess  FetchStatus = "success"
	FetchStatusFailure  FetchStatus = "failure"
	FetchStatusNotFound FetchStatus = "not_found"
)

// ErrorClass buckets the reason an identifier ended up in the failure table.
type ErrorClass string

const (
	ErrorClassTimeout       ErrorClass = "timeout"
	ErrorClassHTTPStatus    ErrorClass = "http_status"
	ErrorClassTransport     ErrorClass = "transport"
	ErrorClassExtract       ErrorClass = "extract"
	ErrorClassBlocked       ErrorClass = "blocked"
	ErrorClassNotFound      ErrorClass = "not_found"
	ErrorClassCircuitOpen   ErrorClass = "circuit_open"
	ErrorClassReferenceMiss ErrorClass = "reference_miss"
	ErrorClassCancelled     ErrorClass = "cancelled"
)

// StoreAssignment binds an identifier to a storefront.
type StoreAssignment struct {
	BundleID string `json:"bundle_id"`
	Store    string `json:"store"`
}

// FetchResult is one successful (or not-found) storefront lookup.
// Fields holds the storefront's extracted columns; absent ones are "".
type FetchResult struct {
	BundleID   string            `json:"bundle_id"`
	Status     FetchStatus       `json:"status"`
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Attempts   int               `json:"attempts"`
	Fields     map[string]string `json:"fields"`
}

// FailureRecord describes an identifier that exhausted its attempts.
type FailureRecord struct {
	BundleID   string     `json:"bundle_id"`
	Reason     string     `json:"error_reason"`
	Class      ErrorClass `json:"error_class"`
	URL        string     `json:"url"`
	StatusCode int        `json:"status_code"`
	Attempts   int        `json:"attempts"`
}

// CanonicalRecord is one row of the accumulated developer-URL table.
type CanonicalRecord struct {
	BundleID     string `json:"bundle_id"`
	DeveloperURL string `json:"developer_url"`
	SourceStore  string `json:"source_store"`
}
