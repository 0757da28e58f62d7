package upstream

import "fmt"

// Kind classifies the result of one worker call. The dispatch loop branches
// on it: Busy and Transient are failover-eligible, Hard is terminal.
type Kind int

const (
	KindOK Kind = iota
	KindBusy
	KindTransient
	KindHard
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindBusy:
		return "busy"
	case KindTransient:
		return "transient"
	case KindHard:
		return "hard_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the tagged result of a worker call.
type Outcome struct {
	Kind       Kind
	StatusCode int
	Payload    map[string]any
	Err        error
}

func (o Outcome) OK() bool { return o.Kind == KindOK }

// Failover reports whether another container may still serve the request.
func (o Outcome) Failover() bool { return o.Kind == KindBusy || o.Kind == KindTransient }

// Text extracts the model answer from the payload, trying the field names
// workers are known to use.
func (o Outcome) Text() string {
	for _, key := range []string{"text", "answer", "result", "message"} {
		if s, ok := o.Payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// PageURL extracts the worker's reported page URL, if any.
func (o Outcome) PageURL() string {
	for _, key := range []string{"page_url", "url"} {
		if s, ok := o.Payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Message renders a short human-readable failure description.
func (o Outcome) Message() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if s, ok := o.Payload["detail"].(string); ok && s != "" {
		return fmt.Sprintf("HTTP %d: %s", o.StatusCode, s)
	}
	if s := o.Text(); s != "" {
		return fmt.Sprintf("HTTP %d: %s", o.StatusCode, s)
	}
	return fmt.Sprintf("HTTP %d", o.StatusCode)
}

// classify maps an HTTP status to an outcome kind. Transport errors are
// classified at the call site, before any status exists.
func classify(status int) Kind {
	switch {
	case status == 423:
		return KindBusy
	case status >= 200 && status < 300:
		return KindOK
	case status >= 500:
		return KindTransient
	default:
		return KindHard
	}
}
