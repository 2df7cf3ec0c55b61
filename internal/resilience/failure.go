package resilience

import (
	"errors"

	"github.com/sells-group/storefront-sync/internal/model"
)

// NewFailureRecord builds the failure-table row for an identifier whose last
// attempt ended in err.
func NewFailureRecord(bundleID, url string, attempts int, err error) model.FailureRecord {
	rec := model.FailureRecord{
		BundleID:   bundleID,
		Class:      Classify(err),
		URL:        url,
		StatusCode: StatusCode(err),
		Attempts:   attempts,
	}
	if err != nil {
		rec.Reason = err.Error()
	}
	var ae *AttemptError
	if errors.As(err, &ae) && ae.URL != "" {
		rec.URL = ae.URL
	}
	return rec
}
