package dispatch

// Request is the /solve payload.
type Request struct {
	RequestID string  `json:"request_id,omitempty"`
	Input     Input   `json:"input"`
	Options   Options `json:"options"`
}

// Input carries the content to send: text, an image, or both.
type Input struct {
	Text     string `json:"text,omitempty"`
	ImageB64 string `json:"image_b64,omitempty"`
	ImageExt string `json:"image_ext,omitempty"`
}

// Options steers routing.
type Options struct {
	PromptID      string `json:"prompt_id,omitempty"`
	ProfileID     string `json:"profile_id,omitempty"`
	SocksOverride string `json:"socks_override,omitempty"`
	ForceNewChat  bool   `json:"force_new_chat,omitempty"`
	MaxChatUses   *int   `json:"max_chat_uses,omitempty"`
	ChatURL       string `json:"chat_url,omitempty"`
	IncludeDebug  bool   `json:"include_debug,omitempty"`
}

// Response is the /solve reply, success or failure.
type Response struct {
	OK       bool           `json:"ok"`
	Final    *Final         `json:"final,omitempty"`
	Error    *ErrorInfo     `json:"error,omitempty"`
	Attempts []AttemptInfo  `json:"attempts,omitempty"`
	Meta     Meta           `json:"meta"`
}

type Final struct {
	Text string `json:"text"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AttemptInfo is the debug view of one attempt, included on request.
type AttemptInfo struct {
	AttemptID   string `json:"attempt_id"`
	ContainerID string `json:"container_id"`
	Status      string `json:"status"`
	ErrorCode   string `json:"error_code,omitempty"`
	ErrorMsg    string `json:"error_message,omitempty"`
}

// Meta describes how the request was served.
type Meta struct {
	JobID            string   `json:"job_id,omitempty"`
	RequestID        string   `json:"request_id"`
	PromptIDSelected string   `json:"prompt_id_selected,omitempty"`
	ContainerIDsUsed []string `json:"container_ids_used,omitempty"`
	ProfileID        string   `json:"profile_id,omitempty"`
	SocksID          string   `json:"socks_id,omitempty"`
	PageURL          string   `json:"page_url,omitempty"`
	StartedAt        string   `json:"started_at"`
	FinishedAt       string   `json:"finished_at"`
}
