package comfy

import "fmt"

// SubmissionError reports a rejected workflow submission, carrying the
// engine's error body so callers can surface it verbatim.
type SubmissionError struct {
	StatusCode int
	Body       string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("comfy: queue prompt failed: %d - %s", e.StatusCode, e.Body)
}

// QueryError reports a transport or HTTP failure while reading job history.
type QueryError struct {
	StatusCode int
	Err        error
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("comfy: get history: %v", e.Err)
	}
	return fmt.Sprintf("comfy: get history: status %d", e.StatusCode)
}

func (e *QueryError) Unwrap() error { return e.Err }

// FetchError reports a failure retrieving an output image.
type FetchError struct {
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("comfy: get image: %v", e.Err)
	}
	return fmt.Sprintf("comfy: get image: status %d", e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }

// UploadError reports a failure pushing a reference image into the
// engine's input namespace.
type UploadError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("comfy: upload image: %v", e.Err)
	}
	return fmt.Sprintf("comfy: upload image failed: %d - %s", e.StatusCode, e.Body)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ExecutionError means the engine itself reported a failed run.
type ExecutionError struct {
	Details string
}

func (e *ExecutionError) Error() string {
	details := e.Details
	if details == "" {
		details = "Unknown error"
	}
	return "comfy: workflow execution failed: " + details
}
