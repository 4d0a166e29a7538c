package middleware

// errorBody is the JSON error shape shared with the API handlers.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func newErrorBody(msg string) errorBody {
	return errorBody{Error: msg}
}
