package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/huangang/quizforge/internal/models"
)

// OptionLabels are the labels every multiple-choice question carries, in order.
var OptionLabels = []string{"A", "B", "C", "D"}

// errMalformedReply marks a reply that is not a JSON document at all, as
// happens with truncated output. It is retried like a transient failure.
var errMalformedReply = errors.New("reply is not a JSON document")

// ShapeError describes a reply that decoded but has the wrong structure.
type ShapeError struct {
	Expected string
	Actual   string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("expected %s, got %s", e.Expected, e.Actual)
}

func shapeErr(expected, actualFormat string, args ...interface{}) *ShapeError {
	return &ShapeError{Expected: expected, Actual: fmt.Sprintf(actualFormat, args...)}
}

type Topic struct {
	Name     string   `json:"name"`
	Summary  string   `json:"summary,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

type AnalysisResult struct {
	Topics []Topic `json:"topics"`
}

// LearningOutcome is one intended outcome with its cognitive level.
type LearningOutcome struct {
	Outcome        string `json:"outcome"`
	CognitiveLevel string `json:"cognitive_level"`
	Category       string `json:"category"`
}

type ParseResult struct {
	Outcomes []LearningOutcome `json:"outcomes"`
}

type TosRow struct {
	Outcome        string `json:"outcome"`
	CognitiveLevel string `json:"cognitive_level"`
	Topic          string `json:"topic,omitempty"`
	Items          int    `json:"items"`
}

type TosResult struct {
	Rows []TosRow `json:"rows"`
}

// TotalItems is the number of questions the table asks for.
func (t *TosResult) TotalItems() int {
	total := 0
	for _, row := range t.Rows {
		total += row.Items
	}
	return total
}

type QuizQuestion struct {
	Question       string            `json:"question"`
	Options        map[string]string `json:"options"`
	CorrectAnswer  string            `json:"correct_answer"`
	Explanation    string            `json:"explanation,omitempty"`
	Outcome        string            `json:"outcome,omitempty"`
	CognitiveLevel string            `json:"cognitive_level,omitempty"`
}

type QuizResult struct {
	Questions []QuizQuestion `json:"questions"`
}

type FeedbackItem struct {
	Question int    `json:"question"`
	Feedback string `json:"feedback"`
}

type FeedbackResult struct {
	Feedback []FeedbackItem `json:"feedback"`
}

type RewordResult struct {
	Question QuizQuestion `json:"question"`
	// Equivalent reports whether the new question keeps the original's
	// intent and difficulty. Absent means true.
	Equivalent *bool `json:"equivalent,omitempty"`
}

func (r *RewordResult) IsEquivalent() bool {
	return r.Equivalent == nil || *r.Equivalent
}

// extractJSON returns the outermost JSON object in content, tolerating code
// fences and prose around it.
func extractJSON(content string) (string, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return "", false
	}
	return content[start : end+1], true
}

// DecodeReply decodes content into the result type of op and validates its
// structure. It returns errMalformedReply when content holds no JSON object and
// a *ShapeError when the object does not have the expected structure.
func DecodeReply(op models.Operation, content string) (interface{}, error) {
	raw, ok := extractJSON(content)
	if !ok {
		return nil, errMalformedReply
	}

	var target interface{}
	switch op {
	case models.OperationAnalyze:
		target = &AnalysisResult{}
	case models.OperationTos:
		target = &TosResult{}
	case models.OperationQuiz:
		target = &QuizResult{}
	case models.OperationFeedback:
		target = &FeedbackResult{}
	case models.OperationReword:
		target = &RewordResult{}
	case models.OperationParse:
		target = &ParseResult{}
	default:
		return nil, fmt.Errorf("no reply shape for operation %q", op)
	}

	if err := json.Unmarshal([]byte(raw), target); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, errMalformedReply
		}
		return nil, shapeErr("a "+string(op)+" object", "undecodable field: %v", err)
	}

	if err := validateShape(target); err != nil {
		return nil, err
	}
	return target, nil
}

func validateShape(v interface{}) error {
	switch r := v.(type) {
	case *AnalysisResult:
		if len(r.Topics) == 0 {
			return shapeErr("non-empty topics", "no topics")
		}
		for i, t := range r.Topics {
			if strings.TrimSpace(t.Name) == "" {
				return shapeErr("a name for every topic", "topics[%d] without name", i)
			}
		}
	case *TosResult:
		if len(r.Rows) == 0 {
			return shapeErr("non-empty rows", "no rows")
		}
		for i, row := range r.Rows {
			if row.Outcome == "" || row.CognitiveLevel == "" {
				return shapeErr("outcome and cognitive_level on every row", "rows[%d] incomplete", i)
			}
			if row.Items <= 0 {
				return shapeErr("items > 0 on every row", "rows[%d].items = %d", i, row.Items)
			}
		}
	case *QuizResult:
		if len(r.Questions) == 0 {
			return shapeErr("non-empty questions", "no questions")
		}
		for i := range r.Questions {
			if err := validateQuestion(&r.Questions[i], fmt.Sprintf("questions[%d]", i)); err != nil {
				return err
			}
		}
	case *FeedbackResult:
		if len(r.Feedback) == 0 {
			return shapeErr("non-empty feedback", "no feedback")
		}
		for i, item := range r.Feedback {
			if strings.TrimSpace(item.Feedback) == "" {
				return shapeErr("text on every feedback item", "feedback[%d] empty", i)
			}
		}
	case *RewordResult:
		return validateQuestion(&r.Question, "question")
	case *ParseResult:
		if len(r.Outcomes) == 0 {
			return shapeErr("non-empty outcomes", "no outcomes")
		}
		for i, o := range r.Outcomes {
			if o.Outcome == "" || o.CognitiveLevel == "" || o.Category == "" {
				return shapeErr("outcome, cognitive_level and category on every outcome", "outcomes[%d] incomplete", i)
			}
		}
	}
	return nil
}

// validateQuestion checks a multiple-choice question: text, options labelled
// exactly A to D, and one correct answer among those labels.
func validateQuestion(q *QuizQuestion, path string) error {
	if strings.TrimSpace(q.Question) == "" {
		return shapeErr(path+".question", "missing question text")
	}
	if q.Options == nil {
		return shapeErr(path+".options with labels A-D", "options missing")
	}
	if len(q.Options) != len(OptionLabels) {
		return shapeErr(path+".options with labels A-D", "%d options %v", len(q.Options), labelsOf(q.Options))
	}
	for _, label := range OptionLabels {
		if strings.TrimSpace(q.Options[label]) == "" {
			return shapeErr(path+".options with labels A-D", "labels %v", labelsOf(q.Options))
		}
	}
	answer := strings.TrimSpace(q.CorrectAnswer)
	if _, ok := q.Options[answer]; !ok {
		return shapeErr(path+".correct_answer among A-D", "correct_answer %q", q.CorrectAnswer)
	}
	return nil
}

func labelsOf(options map[string]string) []string {
	labels := make([]string, 0, len(options))
	for label := range options {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
