package types

// PartType discriminates the part payload union.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeReasoning  PartType = "reasoning"
	PartTypeTool       PartType = "tool"
	PartTypeFile       PartType = "file"
	PartTypeTodo       PartType = "todo"
	PartTypeStepStart  PartType = "step-start"
	PartTypeStepFinish PartType = "step-finish"
)

// ToolStatus tracks a tool invocation through its lifecycle.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Part is the tagged union carried by a PartRecord. Exactly the fields for
// the declared Type are meaningful; the rest stay zero. Version optionally
// seeds the part revision on first sight (streams that replay from an offset
// send it so the local revision does not restart at 1).
type Part struct {
	ID       string     `json:"id,omitempty"`
	Type     PartType   `json:"type"`
	Text     string     `json:"text,omitempty"`
	Tool     *ToolCall  `json:"tool,omitempty"`
	File     *FileRef   `json:"file,omitempty"`
	Todos    []TodoItem `json:"todos,omitempty"`
	Segments []Segment  `json:"segments,omitempty"`
	Version  uint64     `json:"version,omitempty"`
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	out := p
	if p.Tool != nil {
		tc := *p.Tool
		out.Tool = &tc
	}
	if p.File != nil {
		fr := *p.File
		out.File = &fr
	}
	out.Todos = append([]TodoItem(nil), p.Todos...)
	if p.Segments != nil {
		out.Segments = cloneSegments(p.Segments)
	}
	return out
}

func cloneSegments(segs []Segment) []Segment {
	out := make([]Segment, len(segs))
	for i, s := range segs {
		out[i] = s
		if s.Children != nil {
			out[i].Children = cloneSegments(s.Children)
		}
	}
	return out
}

// ToolCall is the payload of a tool part. CallID is the stable upstream
// identifier the part id derives from.
type ToolCall struct {
	CallID string     `json:"call_id"`
	Name   string     `json:"name"`
	Status ToolStatus `json:"status,omitempty"`
	Input  string     `json:"input,omitempty"`
	Output string     `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// FileRef is the payload of a file part.
type FileRef struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// TodoItem is one entry of a todo-snapshot part.
type TodoItem struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

// Segment is one element of a mixed content array: either plain text or a
// nested object with its own text and children. Transports that send
// heterogeneous content arrays decode into this shape; PartText flattens it.
type Segment struct {
	Kind     string    `json:"kind,omitempty"`
	Text     string    `json:"text,omitempty"`
	Children []Segment `json:"children,omitempty"`
}
