package domain

import "time"

// Resolution enumerates supported output resolution tiers.
type Resolution string

const (
	Resolution1K Resolution = "1K"
	Resolution2K Resolution = "2K"
	Resolution4K Resolution = "4K"
)

// AspectRatio enumerates supported output aspect ratios.
type AspectRatio string

const (
	AspectSquare        AspectRatio = "1:1"
	AspectWide          AspectRatio = "16:9"
	AspectTall          AspectRatio = "9:16"
	AspectClassic       AspectRatio = "4:3"
	AspectPortrait      AspectRatio = "3:4"
	AspectUltraWide     AspectRatio = "21:9"
)

// GenerationStatus enumerates generation lifecycle states.
type GenerationStatus string

const (
	StatusPending    GenerationStatus = "pending"
	StatusProcessing GenerationStatus = "processing"
	StatusCompleted  GenerationStatus = "completed"
	StatusFailed     GenerationStatus = "failed"
)

// HistoryRole identifies which side of the refinement conversation wrote an entry.
type HistoryRole string

const (
	RoleUser      HistoryRole = "user"
	RoleAssistant HistoryRole = "assistant"
)

const (
	DefaultSteps    = 20
	DefaultGuidance = 4
	MinSteps        = 1
	MaxSteps        = 50
	MinGuidance     = 1
	MaxGuidance     = 10
	MaxImageCount   = 4
)

// GenerationSettings captures the tunable parameters of a generation request.
type GenerationSettings struct {
	Resolution  Resolution  `json:"resolution"`
	AspectRatio AspectRatio `json:"aspectRatio"`
	ImageCount  int         `json:"imageCount"`
	Steps       int         `json:"steps,omitempty"`
	Guidance    float64     `json:"guidance,omitempty"`
	Seed        *int64      `json:"seed,omitempty"`
}

// Normalize fills zero-valued optional fields with their defaults.
func (s *GenerationSettings) Normalize() {
	if s.ImageCount == 0 {
		s.ImageCount = 1
	}
	if s.Steps == 0 {
		s.Steps = DefaultSteps
	}
	if s.Guidance == 0 {
		s.Guidance = DefaultGuidance
	}
}

// Validate checks every field against its allowed range. Callers should
// Normalize first; zero values for optional fields are rejected here.
func (s GenerationSettings) Validate() error {
	switch s.Resolution {
	case Resolution1K, Resolution2K, Resolution4K:
	default:
		return &ValidationError{Field: "resolution", Reason: "must be one of 1K, 2K, 4K"}
	}
	switch s.AspectRatio {
	case AspectSquare, AspectWide, AspectTall, AspectClassic, AspectPortrait, AspectUltraWide:
	default:
		return &ValidationError{Field: "aspectRatio", Reason: "must be one of 1:1, 16:9, 9:16, 4:3, 3:4, 21:9"}
	}
	if s.ImageCount < 1 || s.ImageCount > MaxImageCount {
		return &ValidationError{Field: "imageCount", Reason: "must be between 1 and 4"}
	}
	if s.Steps < MinSteps || s.Steps > MaxSteps {
		return &ValidationError{Field: "steps", Reason: "must be between 1 and 50"}
	}
	if s.Guidance < MinGuidance || s.Guidance > MaxGuidance {
		return &ValidationError{Field: "guidance", Reason: "must be between 1 and 10"}
	}
	return nil
}

// StepsOrDefault returns the configured step count, falling back to the
// default when settings were stored without one.
func (s GenerationSettings) StepsOrDefault() int {
	if s.Steps >= MinSteps && s.Steps <= MaxSteps {
		return s.Steps
	}
	return DefaultSteps
}

// Generation is the persisted parent record of a generation session.
type Generation struct {
	ID           string
	Prompt       string
	Settings     GenerationSettings
	Status       GenerationStatus
	EngineJobID  string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GeneratedImage is one stored output image belonging to a generation.
// Rows are immutable; they disappear only when the parent is deleted.
type GeneratedImage struct {
	ID           string
	GenerationID string
	ImageURL     string
	CreatedAt    time.Time
}

// HistoryEntry is one turn of the refinement conversation attached to a
// generation. Entries are append-only.
type HistoryEntry struct {
	ID           string
	GenerationID string
	Role         HistoryRole
	Content      string
	ImageURLs    []string
	CreatedAt    time.Time
}
