package domain

import "time"

const (
	// MaxPromptChars bounds the prompt length on create and update.
	MaxPromptChars = 2000
	// MaxModelNameChars bounds the model name length on create.
	MaxModelNameChars = 100
)

// Default quota assigned to freshly registered users.
const (
	DefaultTotalBytes   = 1024 * 1024 * 1024
	DefaultMaxItems     = 100
	DefaultMaxFileBytes = 10 * 1024 * 1024
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Quota tracks a user's storage allowance. The counters only ever move
// through the ledger's apply/reverse operations.
type Quota struct {
	UserID       string    `json:"-"`
	TotalBytes   int64     `json:"totalBytes"`
	UsedBytes    int64     `json:"usedBytes"`
	MaxItems     int       `json:"maxItems"`
	CurrentItems int       `json:"currentItems"`
	MaxFileBytes int64     `json:"maxFileBytes"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RemainingBytes reports free capacity, floored at zero because an
// authoritative upload size may overshoot the estimate it was admitted on.
func (q Quota) RemainingBytes() int64 {
	if q.UsedBytes >= q.TotalBytes {
		return 0
	}
	return q.TotalBytes - q.UsedBytes
}

// UsagePercent reports used capacity as a percentage.
func (q Quota) UsagePercent() float64 {
	if q.TotalBytes == 0 {
		return 0
	}
	return float64(q.UsedBytes) / float64(q.TotalBytes) * 100
}

// SourceParams are opaque pass-through generation parameters. They are
// recorded with the asset but never validated or interpreted.
type SourceParams struct {
	BaseURL string `json:"baseUrl,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

// Asset is a generated image owned by a single user. The bytes live in the
// blob store under BlobKey; this record only carries metadata.
type Asset struct {
	ID            string       `json:"-"`
	PublicID      string       `json:"publicId"`
	OwnerID       string       `json:"-"`
	Prompt        string       `json:"prompt"`
	ModelName     string       `json:"model"`
	Source        SourceParams `json:"-"`
	BlobKey       string       `json:"-"`
	URL           string       `json:"url"`
	ByteSize      int64        `json:"byteSize"`
	Width         int          `json:"width,omitempty"`
	Height        int          `json:"height,omitempty"`
	ElapsedTime   string       `json:"elapsedTime,omitempty"`
	ModelResponse string       `json:"modelResponse,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	DeletedAt     *time.Time   `json:"-"`
}

// Live reports whether the asset has not been soft deleted.
func (a Asset) Live() bool {
	return a.DeletedAt == nil
}

// Summary is the trimmed listing shape with the prompt truncated.
type Summary struct {
	PublicID    string    `json:"publicId"`
	ModelName   string    `json:"model"`
	Prompt      string    `json:"prompt"`
	URL         string    `json:"url"`
	ElapsedTime string    `json:"elapsedTime,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

const summaryPromptRunes = 50

// Summarize derives the listing shape from a full asset.
func (a Asset) Summarize() Summary {
	prompt := a.Prompt
	if runes := []rune(prompt); len(runes) > summaryPromptRunes {
		prompt = string(runes[:summaryPromptRunes]) + "..."
	}
	return Summary{
		PublicID:    a.PublicID,
		ModelName:   a.ModelName,
		Prompt:      prompt,
		URL:         a.URL,
		ElapsedTime: a.ElapsedTime,
		CreatedAt:   a.CreatedAt,
	}
}
