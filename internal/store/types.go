package store

import "time"

// MemoryScope selects whether an agent shares facts globally or keeps its
// own.
type MemoryScope string

const (
	ScopeGlobal MemoryScope = "global"
	ScopeAgent  MemoryScope = "agent"
)

// TaskStatus is the lifecycle state of an extraction task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// User is one row of the users table.
type User struct {
	ID            string
	Name          string
	Timezone      string
	MemoryEnabled bool
	CreatedAt     time.Time
}

// Agent is one row of the agents table: a persona combining LLM settings,
// voice settings, a system prompt, and plugin configuration.
type Agent struct {
	ID           string
	Name         string
	ProviderKind string
	Model        string
	Temperature  float64
	ProviderRef  *string

	Voice          string
	Exaggeration   float64
	CfgWeight      float64
	TTSTemperature float64
	Language       string

	SystemPrompt string
	MemoryScope  MemoryScope
	Plugins      map[string]map[string]any
	IsDefault    bool
	CreatedAt    time.Time
}

// Session is one row of the sessions table.
type Session struct {
	ID          string
	UserID      string
	AgentID     string
	SessionType string
	Title       string
	Active      bool
	StartedAt   time.Time
	EndedAt     *time.Time
}

// Message is one row of the conversations table. Rows are append-only.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Timestamp time.Time
	LatencyMS *int
}

// UserFact is one row of the user_facts table. Each fact is backed by
// exactly one vector in the vector store, referenced by VectorID.
type UserFact struct {
	ID                string
	UserID            string
	AgentID           *string
	FactKey           string
	FactValue         string
	FactText          string
	VectorID          string
	Importance        float64
	MemoryBank        string
	EmbeddingProvider string
	EmbeddingModel    string
	ValidityStart     time.Time
	ValidityEnd       *time.Time
	IsProtected       bool
	IsSummarized      bool
	SummarizedFrom    []string
	LastAccessedAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Valid reports whether the fact is currently valid.
func (f *UserFact) Valid(now time.Time) bool {
	return f.ValidityEnd == nil || f.ValidityEnd.After(now)
}

// ExtractionTask is one row of the extraction_tasks table.
type ExtractionTask struct {
	ID          string
	UserID      string
	AgentID     *string
	UserMessage string
	AIResponse  string
	Status      TaskStatus
	Attempts    int
	Error       *string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// LLMProvider is one row of the llm_providers table. APIKey is stored
// encrypted (vault marker prefix) and decrypted only at call time.
type LLMProvider struct {
	ID           string
	Name         string
	BaseURL      string
	APIKey       string
	ProviderType string
	Models       []string
	DefaultModel string
	IsActive     bool
	CreatedAt    time.Time
}
