package domain

type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *AppError) Error() string {
	return e.Message
}

// Is matches by code, so errors built with WithMessage still compare equal
// to their sentinel.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *AppError) WithMessage(msg string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: msg,
		Status:  e.Status,
	}
}

var (
	ErrInvalidRequest = &AppError{
		Code:    "INVALID_REQUEST",
		Message: "Invalid request",
		Status:  400,
	}

	ErrInternalServerError = &AppError{
		Code:    "INTERNAL_SERVER_ERROR",
		Message: "Internal server error",
		Status:  500,
	}

	ErrNotFound = &AppError{
		Code:    "NOT_FOUND",
		Message: "Not found",
		Status:  404,
	}

	ErrInvalidToken = &AppError{
		Code:    "TOKEN_INVALID",
		Message: "Token is invalid",
		Status:  401,
	}

	ErrExpiredToken = &AppError{
		Code:    "TOKEN_EXPIRED",
		Message: "Token is expired",
		Status:  401,
	}

	ErrUnauthorizedError = &AppError{
		Code:    "UNAUTHORIZED",
		Message: "Unauthorized",
		Status:  401,
	}

	ErrForbidden = &AppError{
		Code:    "FORBIDDEN",
		Message: "Insufficient permissions",
		Status:  403,
	}

	ErrNotConnected = &AppError{
		Code:    "NOT_CONNECTED",
		Message: "Realtime connection is not established",
		Status:  503,
	}

	ErrNoSession = &AppError{
		Code:    "NO_SESSION",
		Message: "No authenticated user in session",
		Status:  401,
	}

	ErrChannelClosed = &AppError{
		Code:    "CHANNEL_CLOSED",
		Message: "Channel is closed",
		Status:  410,
	}

	ErrMalformedEvent = &AppError{
		Code:    "MALFORMED_EVENT",
		Message: "Malformed realtime event",
		Status:  400,
	}
)
