package serverutils

// ApiResponse is the envelope every HTTP endpoint answers with. Expected
// failures (device not connected, missing parameters) carry a reason in
// Errors; raw internal error text never leaks into Message.
type ApiResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Errors  []string    `json:"errors,omitempty"`
}

func Ok(message string, data interface{}) ApiResponse {
	return ApiResponse{Success: true, Message: message, Data: data}
}

func Fail(message string, errors ...string) ApiResponse {
	return ApiResponse{Success: false, Message: message, Errors: errors}
}
