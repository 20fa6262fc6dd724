package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voicecanvas/api/internal/journal"
	"voicecanvas/api/internal/livedoc"
	"voicecanvas/api/internal/speech"
)

type Interpreter interface {
	Interpret(ctx context.Context, text string) (speech.Interpretation, error)
}

type Applier interface {
	ApplyCommand(ctx context.Context, text string, source livedoc.Source) (livedoc.Command, error)
}

type Journal interface {
	Record(entry journal.Entry)
}

type Step string

const (
	StepInterpret Step = "interpret"
	StepApply     Step = "apply"
)

// StepError says which half of the command path failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CommandPath is the interpret-then-apply sequence shared by spoken commands
// and accepted suggestions.
type CommandPath struct {
	DocumentID  string
	Interpreter Interpreter
	Applier     Applier
	Journal     Journal
	Logger      *slog.Logger
}

// Execute interprets text and, only when accepted, forwards the original text
// to the live document. onPhase, when set, sees PhaseInterpreting and PhaseApplying.
func (p *CommandPath) Execute(ctx context.Context, ownerID, text string, source livedoc.Source, onPhase func(Phase)) (livedoc.Command, error) {
	if onPhase == nil {
		onPhase = func(Phase) {}
	}

	onPhase(PhaseInterpreting)
	interpretation, err := p.Interpreter.Interpret(ctx, text)
	if err != nil {
		return livedoc.Command{}, &StepError{Step: StepInterpret, Err: err}
	}

	onPhase(PhaseApplying)
	cmd, err := p.Applier.ApplyCommand(ctx, text, source)
	if err != nil {
		return livedoc.Command{}, &StepError{Step: StepApply, Err: err}
	}

	if p.Journal != nil {
		p.Journal.Record(journal.Entry{
			ID:         cmd.ID,
			DocumentID: p.DocumentID,
			OwnerID:    ownerID,
			Message:    text,
			Actions:    nonEmpty(interpretation.Actions),
			Source:     string(source),
			CreatedAt:  time.Now().UTC(),
		})
	}
	p.logger().Info("command applied", "document_id", p.DocumentID, "source", source, "command_id", cmd.ID)
	return cmd, nil
}

func (p *CommandPath) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Detail extracts the text shown after a failure prefix: the backend's own
// message for a rejection, "Unknown error" when it sent none, or the error text.
func Detail(err error) string {
	if err == nil {
		return unknownError
	}
	if msg, ok := speech.RemoteMessage(err); ok {
		if msg == "" {
			return unknownError
		}
		return msg
	}
	if errors.Is(err, speech.ErrEmptyTranscript) {
		return unknownError
	}
	var step *StepError
	if errors.As(err, &step) {
		return step.Err.Error()
	}
	return err.Error()
}

// Classify maps a collaborator failure to the error taxonomy.
func Classify(err error) ErrorKind {
	var step *StepError
	if errors.As(err, &step) && step.Step == StepApply {
		return KindApply
	}
	if _, ok := speech.RemoteMessage(err); ok || errors.Is(err, speech.ErrEmptyTranscript) {
		return KindRejected
	}
	return KindTransport
}

func nonEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
