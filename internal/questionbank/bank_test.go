package questionbank

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/llm"
)

const sampleBank = `
questions:
  - id: go-1
    text: How do goroutines work?
    topic: concurrency
    category: backend
    language: go
    skills: [go]
    experience_level: middle
  - id: go-2
    text: How do channels work?
    topic: concurrency
    category: backend
    language: go
    skills: [go]
  - id: db-1
    text: Explain indexes.
    type: open_ended
    topic: databases
    category: backend
    skills: [sql]
  - id: k8s-1
    text: Pods restart on failed liveness probes.
    type: true_false
    correct_answer: "true"
    topic: kubernetes
    category: infrastructure
    skills: [kubernetes]
    experience_level: senior
`

func loadSample(t *testing.T) *Bank {
	t.Helper()
	bank, err := Parse([]byte(sampleBank))
	require.NoError(t, err)
	return bank
}

func TestParse(t *testing.T) {
	bank := loadSample(t)

	assert.Equal(t, 4, bank.Len())
	assert.Equal(t, []string{"backend", "infrastructure"}, bank.Categories())

	q, ok := bank.Get("go-1")
	require.True(t, ok)
	assert.Equal(t, domain.QuestionOpenEnded, q.Type, "missing type defaults to open-ended")
}

func TestParseRejectsInvalidBanks(t *testing.T) {
	tests := map[string]string{
		"duplicate id": "questions:\n  - {id: a, text: x}\n  - {id: a, text: y}\n",
		"missing id":   "questions:\n  - {text: x}\n",
		"bad type":     "questions:\n  - {id: a, text: x, type: essay}\n",
		"tf no answer": "questions:\n  - {id: a, text: x, type: true_false}\n",
		"bad yaml":     "questions: [",
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			require.Error(t, err)
		})
	}
}

func TestLoadExampleBank(t *testing.T) {
	bank, err := Load("../../questions.example.yaml")
	require.NoError(t, err)
	assert.Greater(t, bank.Len(), 5)
}

func TestSelect(t *testing.T) {
	bank := loadSample(t)

	tests := []struct {
		name    string
		filters Filters
		want    string
	}{
		{
			name:    "first eligible in bank order",
			filters: Filters{},
			want:    "go-1",
		},
		{
			name:    "skips asked questions",
			filters: Filters{AskedIDs: []string{"go-1"}},
			want:    "go-2",
		},
		{
			name:    "prefers uncovered topics",
			filters: Filters{AskedIDs: []string{"go-1"}, CoveredTopics: []string{"concurrency"}},
			want:    "db-1",
		},
		{
			name:    "enabled categories only",
			filters: Filters{Categories: []string{"infrastructure"}},
			want:    "k8s-1",
		},
		{
			name:    "experience level excludes mismatches",
			filters: Filters{ExperienceLevel: "middle", CoveredTopics: []string{"concurrency", "databases"}},
			want:    "go-1",
		},
		{
			name:    "skill overlap",
			filters: Filters{Skills: []string{"SQL"}, CoveredTopics: []string{"concurrency", "databases", "kubernetes"}},
			want:    "db-1",
		},
		{
			name:    "category quota",
			filters: Filters{AskedIDs: []string{"go-1"}, CategoryQuota: map[string]int{"backend": 1}},
			want:    "k8s-1",
		},
		{
			name:    "category quota ignores case",
			filters: Filters{AskedIDs: []string{"go-1"}, CategoryQuota: map[string]int{"Backend": 1}},
			want:    "k8s-1",
		},
		{
			name:    "language filter keeps questions without language",
			filters: Filters{Language: "python", CoveredTopics: []string{"databases"}},
			want:    "k8s-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bank.Select(tt.filters)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestSelectExhausted(t *testing.T) {
	bank := loadSample(t)
	assert.Nil(t, bank.Select(Filters{AskedIDs: []string{"go-1", "go-2", "db-1", "k8s-1"}}))
}

func TestFindSeed(t *testing.T) {
	bank := loadSample(t)

	seed := bank.FindSeed("senior", []string{"kubernetes"}, "", "")
	require.NotNil(t, seed)
	assert.Equal(t, "k8s-1", seed.ID)

	seed = bank.FindSeed("", []string{"go", "sql"}, "backend", "")
	require.NotNil(t, seed)
	assert.Equal(t, "go-1", seed.ID)

	assert.Nil(t, bank.FindSeed("", []string{"rust"}, "", ""), "every question mismatches the skills")
}

type stubGenerator struct {
	response   string
	err        error
	lastPrompt string
}

func (s *stubGenerator) Name() string { return "stub" }

func (s *stubGenerator) Generate(_ context.Context, prompt string, _ llm.GenerateConfig) (string, error) {
	s.lastPrompt = prompt
	return s.response, s.err
}

func TestPersonalize(t *testing.T) {
	gen := &stubGenerator{response: `{"question": "You mentioned migrating to Kafka. How did you handle ordering?", "topic": "messaging", "keywords": ["partition", "key"]}`}
	p := NewPersonalizer(gen, 0, nil)

	q, err := p.Personalize(context.Background(), Profile{
		Intro:           "I moved our billing events to Kafka last year.",
		Skills:          []string{"kafka", "go"},
		ExperienceLevel: "senior",
		Language:        "en",
	})
	require.NoError(t, err)

	assert.True(t, q.Personalized)
	assert.True(t, strings.HasPrefix(q.ID, "personalized-"))
	assert.Equal(t, domain.QuestionOpenEnded, q.Type)
	assert.Equal(t, "messaging", q.Topic)
	assert.Equal(t, []string{"kafka", "go"}, q.Skills)
	assert.Equal(t, []string{"partition", "key"}, q.Keywords)
	assert.Contains(t, gen.lastPrompt, "billing events to Kafka")
	assert.Contains(t, gen.lastPrompt, "kafka, go")
}

func TestPersonalizeErrors(t *testing.T) {
	profile := Profile{Intro: "hello", Skills: []string{"go"}}

	_, err := NewPersonalizer(nil, 0, nil).Personalize(context.Background(), profile)
	assert.True(t, llm.IsGenerationError(err))

	_, err = NewPersonalizer(&stubGenerator{err: errors.New("down")}, 0, nil).Personalize(context.Background(), profile)
	assert.Error(t, err)

	_, err = NewPersonalizer(&stubGenerator{response: `{"topic": "x"}`}, 0, nil).Personalize(context.Background(), profile)
	assert.True(t, llm.IsParseError(err))

	_, err = NewPersonalizer(&stubGenerator{response: `{"question": "q"}`}, 0, nil).Personalize(context.Background(), Profile{})
	var validationErr *domain.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}
