package models

// ToolStatus reports whether a whitelisted program is installed.
type ToolStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status string       `json:"status"`
	Shell  string       `json:"shell"`
	Mode   string       `json:"mode"` // "shepherd" or "in-process"
	Tools  []ToolStatus `json:"tools"`
}

type CreateSessionRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type InputRequest struct {
	ID   string `json:"id,omitempty"`
	Data string `json:"data"`
}

type OutputResponse struct {
	ID     string `json:"id,omitempty"`
	Output string `json:"output"`
}

type ResizeRequest struct {
	ID   string `json:"id,omitempty"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type RunCommandRequest struct {
	Name        string   `json:"name"`
	Args        []string `json:"args"`
	TimeoutSecs int      `json:"timeout_secs,omitempty"`
}

type RunCommandResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

type CommandsResponse struct {
	Allowed []string `json:"allowed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
