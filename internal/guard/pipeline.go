package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// InputPipeline runs ordered input stages. An empty pipeline allows.
type InputPipeline struct {
	stages []InputStage
	audit  AuditSink
	logger *slog.Logger
}

// NewInputPipeline builds a pipeline. A nil audit sink is replaced by NopAudit.
func NewInputPipeline(stages []InputStage, audit AuditSink, logger *slog.Logger) *InputPipeline {
	if audit == nil {
		audit = NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InputPipeline{stages: stages, audit: audit, logger: logger}
}

// Check runs enabled stages in order and stops at the first rejection. A
// stage panic or cancellation check failure closes the pipeline with
// SYSTEM_ERROR. Cancellation propagates as an error.
func (p *InputPipeline) Check(ctx context.Context, cmd Command) (InputDecision, error) {
	for _, stage := range p.stages {
		if !stage.Enabled() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return InputDecision{}, err
		}
		dec := p.runStage(stage, cmd)
		dec.Stage = stage.Name()
		p.publish("input", stage.Name(), cmd, dec.Verdict, string(dec.Category), dec.Reason, cmd.Text)
		if dec.Verdict == VerdictRejected {
			return dec, nil
		}
	}
	return Allowed(), nil
}

// runStage isolates stage panics: any escape is a SYSTEM_ERROR rejection,
// never a pipeline crash.
func (p *InputPipeline) runStage(stage InputStage, cmd Command) (dec InputDecision) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("input guard stage panicked", "stage", stage.Name(), "panic", r)
			dec = Rejected(fmt.Sprintf("stage %s failed", stage.Name()), InputSystemError)
		}
	}()
	return stage.Check(cmd)
}

func (p *InputPipeline) publish(direction, stage string, cmd Command, verdict Verdict, category, reason, text string) {
	p.audit.Publish(AuditEvent{
		At:        time.Now(),
		Direction: direction,
		Stage:     stage,
		UserID:    cmd.UserID,
		Channel:   cmd.Channel,
		Verdict:   verdict,
		Category:  category,
		Reason:    reason,
		TextHash:  HashText(text),
	})
}

// OutputPipeline runs ordered output stages. Modified content chains.
type OutputPipeline struct {
	stages []OutputStage
	audit  AuditSink
	logger *slog.Logger
}

// NewOutputPipeline builds a pipeline. A nil audit sink is replaced by NopAudit.
func NewOutputPipeline(stages []OutputStage, audit AuditSink, logger *slog.Logger) *OutputPipeline {
	if audit == nil {
		audit = NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputPipeline{stages: stages, audit: audit, logger: logger}
}

// Check runs enabled stages in order over oc.Content, threading modified
// content through. It returns the final (possibly rewritten) content, the
// terminal decision, and any cancellation error.
func (p *OutputPipeline) Check(ctx context.Context, oc OutputContext) (string, OutputDecision, error) {
	content := oc.Content
	for _, stage := range p.stages {
		if !stage.Enabled() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return content, OutputDecision{}, err
		}
		oc.Content = content
		dec := p.runStage(stage, oc)
		dec.Stage = stage.Name()
		p.publishOut(stage.Name(), oc, dec)
		switch dec.Verdict {
		case VerdictModified:
			content = dec.Content
		case VerdictRejected:
			return content, dec, nil
		}
	}
	return content, OutputAllowed(), nil
}

func (p *OutputPipeline) runStage(stage OutputStage, oc OutputContext) (dec OutputDecision) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("output guard stage panicked", "stage", stage.Name(), "panic", r)
			dec = OutputRejected(fmt.Sprintf("stage %s failed", stage.Name()), OutputSystemError)
		}
	}()
	return stage.Check(oc)
}

func (p *OutputPipeline) publishOut(stage string, oc OutputContext, dec OutputDecision) {
	p.audit.Publish(AuditEvent{
		At:        time.Now(),
		Direction: "output",
		Stage:     stage,
		UserID:    oc.Command.UserID,
		Channel:   oc.Command.Channel,
		Verdict:   dec.Verdict,
		Category:  string(dec.Category),
		Reason:    dec.Reason,
		TextHash:  HashText(oc.Content),
	})
}
