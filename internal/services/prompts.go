package services

import (
	"regexp"
	"strings"

	"github.com/huangang/quizforge/internal/models"
)

const systemPrompt = `You are an assessment design assistant for instructors. ` +
	`Always answer with a single JSON object and nothing else. Do not wrap it in markdown.`

// {{#if outcomes}}...{{/if}} is kept only when outcomes were supplied.
var outcomesBlock = regexp.MustCompile(`(?s)\{\{#if outcomes\}\}(.*?)\{\{/if\}\}`)

const analyzeTemplate = `Analyze the course material below and list the topics it teaches.
{{#if outcomes}}
The intended learning outcomes are:
{{outcomes}}
{{/if}}
Respond as {"topics": [{"name": "...", "summary": "...", "keywords": ["..."]}]}.

Material:
{{material}}`

const tosTemplate = `Build a table of specifications from this topic analysis.
{{#if outcomes}}
Cover every learning outcome:
{{outcomes}}
{{/if}}
Respond as {"rows": [{"outcome": "...", "cognitive_level": "remember|understand|apply|analyze|evaluate|create", "topic": "...", "items": 1}]}.

Analysis:
{{analysis}}`

const quizTemplate = `Write one multiple-choice question for every item in this table of specifications.
Each question has exactly four options labelled A, B, C and D and exactly one correct answer.
Respond as {"questions": [{"question": "...", "options": {"A": "...", "B": "...", "C": "...", "D": "..."}, "correct_answer": "A", "explanation": "...", "outcome": "...", "cognitive_level": "..."}]}.

Table of specifications:
{{tos}}`

const feedbackTemplate = `For each question in this quiz, write feedback a student sees after answering.
Explain why the correct answer is right and what misconception each distractor reveals.
Respond as {"feedback": [{"question": 1, "feedback": "..."}]}, numbering questions from 1.

Quiz:
{{quiz}}`

const rewordTemplate = `Reword this multiple-choice question so it assesses the same outcome at the same cognitive level.
Keep four options labelled A, B, C and D and exactly one correct answer.
Respond as {"question": {"question": "...", "options": {"A": "...", "B": "...", "C": "...", "D": "..."}, "correct_answer": "A", "explanation": "...", "outcome": "...", "cognitive_level": "..."}, "equivalent": true}.
Set "equivalent" to false if the reworded question cannot stay equivalent.

Question:
{{question}}`

const parseTemplate = `Extract the learning outcomes stated in the text below.
Respond as {"outcomes": [{"outcome": "...", "cognitive_level": "...", "category": "knowledge|skill|attitude"}]}.

Text:
{{text}}`

func renderOutcomes(prompt string, outcomes []string) string {
	if len(outcomes) == 0 {
		prompt = outcomesBlock.ReplaceAllString(prompt, "")
		return strings.ReplaceAll(prompt, "{{outcomes}}", "")
	}
	var b strings.Builder
	for _, o := range outcomes {
		b.WriteString("- ")
		b.WriteString(o)
		b.WriteString("\n")
	}
	prompt = outcomesBlock.ReplaceAllString(prompt, "$1")
	return strings.ReplaceAll(prompt, "{{outcomes}}", strings.TrimRight(b.String(), "\n"))
}

func analyzePrompt(material string, outcomes []string) string {
	prompt := renderOutcomes(analyzeTemplate, outcomes)
	return strings.ReplaceAll(prompt, "{{material}}", material)
}

func tosPrompt(analysis string, outcomes []string) string {
	prompt := renderOutcomes(tosTemplate, outcomes)
	return strings.ReplaceAll(prompt, "{{analysis}}", analysis)
}

func quizPrompt(tos string) string {
	return strings.ReplaceAll(quizTemplate, "{{tos}}", tos)
}

func feedbackPrompt(quiz string) string {
	return strings.ReplaceAll(feedbackTemplate, "{{quiz}}", quiz)
}

func rewordPrompt(question string) string {
	return strings.ReplaceAll(rewordTemplate, "{{question}}", question)
}

func parsePrompt(text string) string {
	return strings.ReplaceAll(parseTemplate, "{{text}}", text)
}

// stagePrompt builds the prompt for a pipeline stage from the previous stage's artifact body.
func stagePrompt(op models.Operation, input string, outcomes []string) string {
	switch op {
	case models.OperationAnalyze:
		return analyzePrompt(input, outcomes)
	case models.OperationTos:
		return tosPrompt(input, outcomes)
	case models.OperationQuiz:
		return quizPrompt(input)
	case models.OperationFeedback:
		return feedbackPrompt(input)
	}
	return input
}
