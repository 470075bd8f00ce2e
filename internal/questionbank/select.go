package questionbank

import (
	"math"
	"slices"
	"strings"

	"github.com/spigell/hh-interviewer/internal/domain"
)

const (
	uncoveredTopicWeight = 10
	skillWeight          = 2
	levelWeight          = 1

	seedSkillWeight      = 10
	seedCategoryWeight   = 5
	seedLevelWeight      = 4
	seedDifficultyWeight = 3
	seedMismatchPenalty  = 50
)

// Filters narrow down the questions eligible for a session.
type Filters struct {
	Language        string
	Skills          []string
	Categories      []string
	CategoryQuota   map[string]int
	ExperienceLevel string
	CoveredTopics   []string
	AskedIDs        []string
}

// Select returns the best eligible question, or nil when none is left.
// Uncovered topics are preferred, then skill overlap, then an exact level match;
// ties keep bank order.
func (b *Bank) Select(f Filters) *domain.Question {
	asked := make(map[string]struct{}, len(f.AskedIDs))
	for _, id := range f.AskedIDs {
		asked[id] = struct{}{}
	}
	perCategory := b.askedPerCategory(asked)

	best := -1
	bestScore := math.MinInt
	for i, q := range b.questions {
		if _, done := asked[q.ID]; done {
			continue
		}
		if !f.Allows(q) {
			continue
		}
		if quota, ok := f.quota(q.Category); ok && perCategory[strings.ToLower(q.Category)] >= quota {
			continue
		}

		score := skillWeight * overlap(f.Skills, q.Skills)
		if q.Topic != "" && !containsFold(f.CoveredTopics, q.Topic) {
			score += uncoveredTopicWeight
		}
		if f.ExperienceLevel != "" && strings.EqualFold(f.ExperienceLevel, q.ExperienceLevel) {
			score += levelWeight
		}

		if score > bestScore {
			best, bestScore = i, score
		}
	}

	if best < 0 {
		return nil
	}
	q := b.questions[best]
	return &q
}

// FindSeed returns the question that best fits a candidate profile. Questions
// tagged with skills the candidate lacks are heavily penalized; nil is
// returned when nothing fits.
func (b *Bank) FindSeed(level string, skills []string, category, difficulty string) *domain.Question {
	best := -1
	bestScore := math.MinInt
	for i, q := range b.questions {
		score := 0
		if len(q.Skills) > 0 {
			if n := overlap(skills, q.Skills); n > 0 {
				score += seedSkillWeight * n
			} else {
				score -= seedMismatchPenalty
			}
		}
		if category != "" && strings.EqualFold(category, q.Category) {
			score += seedCategoryWeight
		}
		if level != "" && strings.EqualFold(level, q.ExperienceLevel) {
			score += seedLevelWeight
		}
		if difficulty != "" && strings.EqualFold(difficulty, q.Difficulty) {
			score += seedDifficultyWeight
		}

		if score > bestScore {
			best, bestScore = i, score
		}
	}

	if best < 0 || bestScore < 0 {
		return nil
	}
	q := b.questions[best]
	return &q
}

// Allows reports whether q passes the language, level and category filters.
func (f Filters) Allows(q domain.Question) bool {
	if !matches(f.Language, q.Language) || !matches(f.ExperienceLevel, q.ExperienceLevel) {
		return false
	}
	return len(f.Categories) == 0 || containsFold(f.Categories, q.Category)
}

// quota looks the category up case-insensitively; config keys arrive lowercased.
func (f Filters) quota(category string) (int, bool) {
	for name, n := range f.CategoryQuota {
		if strings.EqualFold(name, category) {
			return n, true
		}
	}
	return 0, false
}

func (b *Bank) askedPerCategory(asked map[string]struct{}) map[string]int {
	counts := make(map[string]int)
	for _, q := range b.questions {
		if _, ok := asked[q.ID]; ok {
			counts[strings.ToLower(q.Category)]++
		}
	}
	return counts
}

// matches treats an empty wanted or actual value as a wildcard.
func matches(want, have string) bool {
	return want == "" || have == "" || strings.EqualFold(want, have)
}

func containsFold(list []string, value string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, value) })
}

func overlap(a, b []string) int {
	n := 0
	for _, s := range b {
		if containsFold(a, s) {
			n++
		}
	}
	return n
}
