package jobs

// エラーコード。cmd/api 側でHTTPステータスへのマッピングに使います。
const (
	CodeInvalidInput    = "INVALID_INPUT"
	CodeQuotaExceeded   = "QUOTA_EXCEEDED"
	CodeJobNotFound     = "JOB_NOT_FOUND"
	CodeAccessDenied    = "ACCESS_DENIED"
	CodeCannotRetry     = "CANNOT_RETRY"
	CodeTransformFailed = "TRANSFORM_FAILED"
	CodeStorageFailure  = "STORAGE_FAILURE"
	CodeInternal        = "INTERNAL_ERROR"
)

// Error はAPI層に返す型付きエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
