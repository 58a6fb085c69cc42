package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/opserr"
	"github.com/huangang/quizforge/pkg/logger"
)

// stageDef describes one step of the fixed stage sequence.
type stageDef struct {
	op       models.Operation
	requires models.PipelineStage
	reaches  models.PipelineStage
	signal   SignalKind
	artifact models.ArtifactKind
	// pipeline_states column holding the artifact id once the stage is reached.
	column string
}

var stageSequence = []stageDef{
	{models.OperationAnalyze, models.StagePending, models.StageAnalyzed, SignalAnalyzed, models.ArtifactAnalysis, "analysis_id"},
	{models.OperationTos, models.StageAnalyzed, models.StageTosGenerated, SignalTosGenerated, models.ArtifactTos, "tos_id"},
	{models.OperationQuiz, models.StageTosGenerated, models.StageQuizGenerated, SignalQuizGenerated, models.ArtifactQuiz, "quiz_id"},
	{models.OperationFeedback, models.StageQuizGenerated, models.StageFeedbackGenerated, SignalFeedbackGenerated, models.ArtifactFeedback, "feedback_id"},
}

func stageFor(op models.Operation) (int, bool) {
	for i, s := range stageSequence {
		if s.op == op {
			return i, true
		}
	}
	return 0, false
}

// stageInputID is the artifact a stage reads, taken from the state the previous stage left.
func stageInputID(state *models.PipelineState, op models.Operation) string {
	switch op {
	case models.OperationTos:
		return state.AnalysisID
	case models.OperationQuiz:
		return state.TosID
	case models.OperationFeedback:
		return state.QuizID
	}
	return ""
}

// quizPayload is the Payload of a QuizGenerated signal.
type quizPayload struct {
	UnitIDs []string `json:"unit_ids"`
}

// Register subscribes the pipeline to its own signals. Each success signal
// moves the state one step and queues the next stage.
func (p *Pipeline) Register(hub *SignalHub) {
	for i := range stageSequence {
		hub.Handle(stageSequence[i].signal, p.onStageCompleted(i))
	}
	hub.Handle(SignalStageFailed, p.onStageFailed)
}

// HandleTask runs one stage. It is the processor for both task queues. A task
// whose precondition no longer holds is a duplicate and is dropped.
func (p *Pipeline) HandleTask(ctx context.Context, task *StageTask) error {
	idx, ok := stageFor(task.Operation)
	if !ok {
		return fmt.Errorf("no pipeline stage for operation %q", task.Operation)
	}
	def := stageSequence[idx]

	state, err := p.states.Get(ctx, task.CorrelationID)
	if err != nil {
		return fmt.Errorf("load pipeline %s: %w", task.CorrelationID, err)
	}
	if state.Stage != def.requires {
		logger.Infof("[Pipeline] Skipping %s for %s: state is %s", def.op, task.CorrelationID, state.Stage)
		return nil
	}
	saved, err := p.artifacts.Find(ctx, def.artifact, task.CorrelationID)
	if err != nil && !errors.Is(err, ErrArtifactNotFound) {
		return fmt.Errorf("look up %s artifact: %w", def.artifact, err)
	}

	if saved != nil {
		// An earlier delivery saved the output but its completion signal never
		// moved the state. Signal again from the stored artifact.
		logger.Infof("[Pipeline] %s artifact for %s already saved, re-emitting %s", def.artifact, task.CorrelationID, def.signal)
		err = p.resumeStage(ctx, state, def, saved)
	} else {
		logger.Info().Str("correlation_id", task.CorrelationID).Str("stage", string(def.op)).
			Dur("queued", time.Since(task.EnqueuedAt)).Msg("[Pipeline] running stage")
		err = p.runStage(ctx, state, def)
	}
	if err != nil {
		p.signals.Emit(PipelineSignal{
			Kind:          SignalStageFailed,
			Caller:        state.Caller,
			Operation:     def.op,
			CorrelationID: state.CorrelationID,
			Stage:         state.Stage,
			ErrorCategory: opserr.KindOf(err),
			Message:       err.Error(),
		})
		return err
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, state *models.PipelineState, def stageDef) error {
	input, err := p.stageInput(ctx, state, def.op)
	if err != nil {
		return err
	}
	var outcomes []string
	if state.Outcomes != "" {
		if err := json.Unmarshal([]byte(state.Outcomes), &outcomes); err != nil {
			return fmt.Errorf("decode outcomes of %s: %w", state.CorrelationID, err)
		}
	}

	req := &GatewayRequest{
		Caller:        state.Caller,
		Operation:     def.op,
		Model:         state.Model,
		System:        systemPrompt,
		Prompt:        stagePrompt(def.op, input, outcomes),
		CorrelationID: state.CorrelationID,
	}
	if def.op == models.OperationAnalyze {
		req.Content = input
	}
	result, err := p.gateway.Run(ctx, req)
	if err != nil {
		return err
	}

	artifact := &models.GeneratedArtifact{
		Kind:          def.artifact,
		CorrelationID: state.CorrelationID,
		Body:          string(result.Body),
	}
	if err := p.artifacts.Save(ctx, artifact); err != nil {
		return err
	}

	return p.completeStage(ctx, state, def, artifact, result.Value)
}

// resumeStage completes a stage from an artifact an earlier delivery saved.
func (p *Pipeline) resumeStage(ctx context.Context, state *models.PipelineState, def stageDef, artifact *models.GeneratedArtifact) error {
	value, err := DecodeReply(def.op, artifact.Body)
	if err != nil {
		return fmt.Errorf("decode saved %s artifact: %w", def.artifact, err)
	}
	return p.completeStage(ctx, state, def, artifact, value)
}

// completeStage emits the stage's success signal. The payload is the artifact
// body, except for a quiz, whose payload lists its unit ids.
func (p *Pipeline) completeStage(ctx context.Context, state *models.PipelineState, def stageDef, artifact *models.GeneratedArtifact, value interface{}) error {
	sig := PipelineSignal{
		Kind:          def.signal,
		Caller:        state.Caller,
		Operation:     def.op,
		CorrelationID: state.CorrelationID,
		ArtifactID:    artifact.ID,
		Payload:       []byte(artifact.Body),
	}
	switch v := value.(type) {
	case *QuizResult:
		unitIDs, err := p.quizUnits(ctx, artifact, v)
		if err != nil {
			return err
		}
		sig.QuestionCount = len(v.Questions)
		sig.Payload, _ = json.Marshal(quizPayload{UnitIDs: unitIDs})
	case *FeedbackResult:
		sig.QuestionCount = len(v.Feedback)
	}

	p.signals.Emit(sig)
	logger.Infof("[Pipeline] %s completed for %s (artifact %s)", def.op, state.CorrelationID, artifact.ID)
	return nil
}

// quizUnits returns the quiz's units, saving them when none exist yet.
func (p *Pipeline) quizUnits(ctx context.Context, quiz *models.GeneratedArtifact, result *QuizResult) ([]string, error) {
	children, err := p.artifacts.Children(ctx, quiz.ID)
	if err != nil {
		return nil, fmt.Errorf("load units of %s: %w", quiz.ID, err)
	}
	var ids []string
	for _, child := range children {
		if child.Kind == models.ArtifactUnit {
			ids = append(ids, child.ID)
		}
	}
	if len(ids) > 0 {
		return ids, nil
	}
	return p.saveUnits(ctx, quiz, result)
}

func (p *Pipeline) stageInput(ctx context.Context, state *models.PipelineState, op models.Operation) (string, error) {
	if op == models.OperationAnalyze {
		return p.materials.Material(ctx, state.CorrelationID)
	}
	id := stageInputID(state, op)
	if id == "" {
		return "", fmt.Errorf("pipeline %s has no input for %s", state.CorrelationID, op)
	}
	artifact, err := p.artifacts.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load input of %s: %w", op, err)
	}
	return artifact.Body, nil
}

// saveUnits stores every quiz question as its own regenerable unit.
func (p *Pipeline) saveUnits(ctx context.Context, quiz *models.GeneratedArtifact, result *QuizResult) ([]string, error) {
	ids := make([]string, 0, len(result.Questions))
	for i := range result.Questions {
		body, err := json.Marshal(&result.Questions[i])
		if err != nil {
			return nil, fmt.Errorf("encode question %d: %w", i+1, err)
		}
		unit := &models.GeneratedArtifact{
			Kind:          models.ArtifactUnit,
			CorrelationID: quiz.CorrelationID,
			ParentID:      quiz.ID,
			Body:          string(body),
		}
		if err := p.artifacts.Save(ctx, unit); err != nil {
			return nil, err
		}
		ids = append(ids, unit.ID)
	}
	return ids, nil
}

func (p *Pipeline) onStageCompleted(idx int) SignalHandler {
	def := stageSequence[idx]
	return func(ctx context.Context, sig PipelineSignal) {
		state, err := p.states.Get(ctx, sig.CorrelationID)
		if err != nil {
			logger.Errorf("[Pipeline] %s signal for unknown run %s: %v", sig.Kind, sig.CorrelationID, err)
			return
		}
		if state.Stage != def.requires {
			logger.Infof("[Pipeline] Ignoring %s for %s: state is %s", sig.Kind, sig.CorrelationID, state.Stage)
			return
		}

		err = p.states.Transition(ctx, state, def.reaches, map[string]interface{}{def.column: sig.ArtifactID})
		if errors.Is(err, ErrStaleTransition) {
			logger.Infof("[Pipeline] %s for %s lost a concurrent transition", sig.Kind, sig.CorrelationID)
			return
		}
		if err != nil {
			logger.Errorf("[Pipeline] %v", err)
			return
		}

		if idx+1 == len(stageSequence) {
			logger.Infof("[Pipeline] Run %s completed", state.CorrelationID)
			return
		}
		next := stageSequence[idx+1]
		if err := p.queue.Enqueue(&StageTask{
			CorrelationID: state.CorrelationID,
			Caller:        state.Caller,
			Model:         state.Model,
			Operation:     next.op,
		}); err != nil {
			p.markFailed(ctx, state, next.op, "", fmt.Sprintf("enqueue %s: %v", next.op, err))
		}
	}
}

func (p *Pipeline) onStageFailed(ctx context.Context, sig PipelineSignal) {
	state, err := p.states.Get(ctx, sig.CorrelationID)
	if err != nil {
		logger.Errorf("[Pipeline] stage_failed for unknown run %s: %v", sig.CorrelationID, err)
		return
	}
	p.markFailed(ctx, state, sig.Operation, sig.ErrorCategory, sig.Message)
}

func (p *Pipeline) markFailed(ctx context.Context, state *models.PipelineState, op models.Operation, kind opserr.Kind, message string) {
	if state.Stage.Terminal() {
		return
	}
	category := string(kind)
	if category == "" {
		category = "internal"
	}
	err := p.states.Transition(ctx, state, models.StageFailed, map[string]interface{}{
		"failed_stage":   string(op),
		"error_category": category,
		"error_message":  truncate(message, 500),
	})
	if err != nil {
		logger.Errorf("[Pipeline] Failed to mark %s failed: %v", state.CorrelationID, err)
		return
	}
	logger.Warn().Str("correlation_id", state.CorrelationID).Str("stage", string(op)).
		Str("category", category).Msg("[Pipeline] run failed")
}
