package tools

import "github.com/tamias-dev/tamias/internal/providers"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"forLlm"`            // content fed back to the LLM
	ForUser string `json:"forUser,omitempty"` // content surfaced to the user
	Silent  bool   `json:"silent"`            // suppress any user-facing message
	IsError bool   `json:"isError"`           // marks a failed call
	Async   bool   `json:"async"`             // work continues in the background
	Err     error  `json:"-"`                 // internal error, never serialised

	// Usage is set by tools that make their own LLM calls so the turn can
	// account for them.
	Usage    *providers.Usage `json:"-"`
	Provider string           `json:"-"`
	Model    string           `json:"-"`

	// Files produced by the tool, delivered to the bridge as file events.
	Files []ResultFile `json:"-"`
}

// ResultFile is a binary artifact a tool hands to the bridge.
type ResultFile struct {
	Name     string
	MimeType string
	Data     []byte
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

func (r *Result) WithFile(name, mimeType string, data []byte) *Result {
	r.Files = append(r.Files, ResultFile{Name: name, MimeType: mimeType, Data: data})
	return r
}
