package domain

import (
	"slices"
	"time"
)

// Message roles in the conversation history.
const (
	RoleInterviewer = "interviewer"
	RoleCandidate   = "candidate"
)

// Message is one line of the conversation transcript.
type Message struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// PendingAction is a turn outcome waiting for a reviewer decision.
type PendingAction struct {
	RoundIndex int          `json:"round_index"`
	FollowUp   string       `json:"follow_up,omitempty"`
	Strategy   StrategyKind `json:"strategy,omitempty"`
	Decision   StopDecision `json:"decision"`
	Evaluation *Evaluation  `json:"evaluation,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Trend values reported by the summary.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// Summary aggregates a finished session.
type Summary struct {
	RoundsCompleted int                `json:"rounds_completed"`
	AverageScore    float64            `json:"average_score"`
	Trend           string             `json:"trend"`
	RoundScores     []float64          `json:"round_scores"`
	TopicCoverage   map[string]float64 `json:"topic_coverage"`
	StopReasons     map[StopReason]int `json:"stop_reasons,omitempty"`
	FinalizedAt     time.Time          `json:"finalized_at"`
}

// Session is the full interview state persisted between turns.
type Session struct {
	ID              string   `json:"id"`
	Language        string   `json:"language"`
	Domain          string   `json:"domain,omitempty"`
	ExperienceLevel string   `json:"experience_level,omitempty"`
	Skills          []string `json:"skills,omitempty"`
	Categories      []string `json:"categories,omitempty"`

	// CategoryQuota caps the questions asked per category.
	CategoryQuota map[string]int `json:"category_quota,omitempty"`

	Phase        Phase `json:"phase"`
	TotalRounds  int   `json:"total_rounds"`
	MaxFollowups int   `json:"max_followups"`

	Rounds  []Round `json:"rounds"`
	Current *Round  `json:"current,omitempty"`

	IntroRequested   bool      `json:"intro_requested,omitempty"`
	CandidateIntro   string    `json:"candidate_intro,omitempty"`
	CoveredTopics    []string  `json:"covered_topics,omitempty"`
	AskedQuestionIDs []string  `json:"asked_question_ids,omitempty"`
	History          []Message `json:"history,omitempty"`

	Pending      *PendingAction `json:"pending,omitempty"`
	LastDecision *StopDecision  `json:"last_decision,omitempty"`
	Summary      *Summary       `json:"summary,omitempty"`
	Archived     bool           `json:"archived"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoundsCompleted returns the number of closed rounds.
func (s *Session) RoundsCompleted() int {
	return len(s.Rounds)
}

// AddMessage appends a transcript line.
func (s *Session) AddMessage(role, text string, at time.Time) {
	s.History = append(s.History, Message{Role: role, Text: text, At: at})
}

// CoverTopic marks a topic as covered.
func (s *Session) CoverTopic(topic string) {
	if topic == "" || slices.Contains(s.CoveredTopics, topic) {
		return
	}
	s.CoveredTopics = append(s.CoveredTopics, topic)
}

// RecentHistory returns up to n trailing transcript lines.
func (s *Session) RecentHistory(n int) []Message {
	if n <= 0 || len(s.History) <= n {
		return slices.Clone(s.History)
	}
	return slices.Clone(s.History[len(s.History)-n:])
}
