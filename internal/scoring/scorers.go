package scoring

import (
	"regexp"
	"slices"
	"strings"

	"github.com/spigell/hh-interviewer/internal/domain"
)

// Rubric holds the weights used to fuse sub-scores into an overall score.
type Rubric struct {
	Correctness  float64
	Completeness float64
	Accuracy     float64
	Depth        float64
	Clarity      float64
}

var (
	TrueFalseRubric      = Rubric{Correctness: 0.70, Completeness: 0.10, Accuracy: 0.10, Depth: 0.05, Clarity: 0.05}
	MultipleChoiceRubric = Rubric{Correctness: 0.65, Completeness: 0.10, Accuracy: 0.10, Depth: 0.10, Clarity: 0.05}
	OpenEndedRubric      = Rubric{Correctness: 0, Completeness: 0.30, Accuracy: 0.30, Depth: 0.20, Clarity: 0.20}
)

func (r Rubric) apply(s domain.SubScores) float64 {
	return clamp(r.Correctness*s.FactualCorrectness +
		r.Completeness*s.Completeness +
		r.Accuracy*s.TechnicalAccuracy +
		r.Depth*s.Depth +
		r.Clarity*s.Clarity)
}

// Result is what a Scorer produces for one answer.
type Result struct {
	SubScores domain.SubScores
	Overall   float64
	Missing   []string
}

// Scorer scores answers for one question type.
type Scorer interface {
	Type() domain.QuestionType
	Score(q *domain.Question, answer string) Result
}

func subScores(correctness float64, e explanation) domain.SubScores {
	return domain.SubScores{
		Completeness:       e.completeness,
		Depth:              e.depth,
		Clarity:            e.clarity,
		TechnicalAccuracy:  e.technicalAccuracy,
		KeywordCoverage:    e.keywordCoverage,
		FactualCorrectness: clamp(correctness),
	}
}

var trueFalsePrefix = regexp.MustCompile(`(?i)^\s*(true|false|yes|no|correct|incorrect)\b[\s,.:;!\-–—]*`)

type trueFalseScorer struct {
	rubric Rubric
}

// NewTrueFalse scores true/false answers with an explanation.
func NewTrueFalse(rubric Rubric) Scorer {
	return &trueFalseScorer{rubric: rubric}
}

func (s *trueFalseScorer) Type() domain.QuestionType { return domain.QuestionTrueFalse }

func (s *trueFalseScorer) Score(q *domain.Question, answer string) Result {
	choice, rest := splitTrueFalse(answer)

	correctness := 0.0
	expected := strings.ToLower(strings.TrimSpace(q.CorrectAnswer))
	if choice != "" && choice == expected {
		correctness = 100
	}

	e := measure(rest, q.Keywords)
	scores := subScores(correctness, e)

	return Result{SubScores: scores, Overall: s.rubric.apply(scores), Missing: e.missing}
}

// splitTrueFalse returns the normalized choice ("true"/"false" or "") and the explanation.
func splitTrueFalse(answer string) (string, string) {
	m := trueFalsePrefix.FindStringSubmatchIndex(answer)
	if m == nil {
		return "", answer
	}

	token := strings.ToLower(answer[m[2]:m[3]])
	rest := answer[m[1]:]
	switch token {
	case "true", "yes", "correct":
		return "true", rest
	default:
		return "false", rest
	}
}

var multipleChoicePrefix = regexp.MustCompile(`(?i)^\s*(?:(?:answer|options?)\s*:?\s*)?([a-h](?:\s*(?:,|/|&|and)\s*[a-h])*)(?:\s*[).:\-]+\s*|\s+|$)`)

type multipleChoiceScorer struct {
	rubric Rubric
}

// NewMultipleChoice scores multiple choice answers with an explanation.
func NewMultipleChoice(rubric Rubric) Scorer {
	return &multipleChoiceScorer{rubric: rubric}
}

func (s *multipleChoiceScorer) Type() domain.QuestionType { return domain.QuestionMultipleChoice }

func (s *multipleChoiceScorer) Score(q *domain.Question, answer string) Result {
	selected, rest := splitMultipleChoice(answer)
	correctness := optionOverlap(selected, q.CorrectOptions)

	e := measure(rest, q.Keywords)
	scores := subScores(correctness, e)

	return Result{SubScores: scores, Overall: s.rubric.apply(scores), Missing: e.missing}
}

func splitMultipleChoice(answer string) ([]string, string) {
	m := multipleChoicePrefix.FindStringSubmatchIndex(answer)
	if m == nil {
		return nil, answer
	}

	var selected []string
	for _, r := range strings.ToLower(answer[m[2]:m[3]]) {
		if r >= 'a' && r <= 'h' {
			option := string(r)
			if !slices.Contains(selected, option) {
				selected = append(selected, option)
			}
		}
	}

	return selected, answer[m[1]:]
}

// optionOverlap is the Jaccard overlap of the selected and correct option sets scaled to 100.
func optionOverlap(selected, correct []string) float64 {
	if len(selected) == 0 || len(correct) == 0 {
		return 0
	}

	want := make(map[string]struct{}, len(correct))
	for _, c := range correct {
		want[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}

	union := len(want)
	intersection := 0
	for _, option := range selected {
		if _, ok := want[option]; ok {
			intersection++
			continue
		}
		union++
	}

	return float64(intersection) / float64(union) * 100
}

type openEndedScorer struct {
	rubric Rubric
}

// NewOpenEnded scores free-text answers.
func NewOpenEnded(rubric Rubric) Scorer {
	return &openEndedScorer{rubric: rubric}
}

func (s *openEndedScorer) Type() domain.QuestionType { return domain.QuestionOpenEnded }

func (s *openEndedScorer) Score(q *domain.Question, answer string) Result {
	e := measure(answer, q.Keywords)
	// Open-ended answers have no known-correct value; accuracy stands in for it.
	scores := subScores(e.technicalAccuracy, e)

	return Result{SubScores: scores, Overall: s.rubric.apply(scores), Missing: e.missing}
}
