package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// StageBase carries name and enablement shared by the bundled stages.
type StageBase struct {
	StageName string
	Disabled  bool
}

func (s StageBase) Name() string  { return s.StageName }
func (s StageBase) Enabled() bool { return !s.Disabled }

// ---- input stages ----

// InjectionStage rejects prompt-injection attempts with heuristic patterns.
type InjectionStage struct {
	StageBase
	patterns []*regexp.Regexp
}

var defaultInjectionPatterns = []string{
	`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts)`,
	`(?i)disregard\s+(your|the)\s+(system\s+prompt|instructions)`,
	`(?i)you\s+are\s+now\s+(dan|in\s+developer\s+mode)`,
	`(?i)reveal\s+(your|the)\s+system\s+prompt`,
	`(?i)pretend\s+(you\s+have|to\s+have)\s+no\s+(rules|restrictions)`,
}

// NewInjectionStage compiles the default pattern set plus any extras.
// Invalid extras are skipped.
func NewInjectionStage(extra ...string) *InjectionStage {
	s := &InjectionStage{StageBase: StageBase{StageName: "prompt_injection"}}
	for _, p := range append(append([]string{}, defaultInjectionPatterns...), extra...) {
		if re, err := regexp.Compile(p); err == nil {
			s.patterns = append(s.patterns, re)
		}
	}
	return s
}

func (s *InjectionStage) Check(cmd Command) InputDecision {
	for _, re := range s.patterns {
		if re.MatchString(cmd.Text) {
			return Rejected("prompt injection pattern detected", InputPromptInjection)
		}
	}
	return Allowed()
}

// LengthStage rejects inputs longer than MaxChars.
type LengthStage struct {
	StageBase
	MaxChars int
}

// NewLengthStage bounds the accepted input size.
func NewLengthStage(maxChars int) *LengthStage {
	return &LengthStage{StageBase: StageBase{StageName: "input_length"}, MaxChars: maxChars}
}

func (s *LengthStage) Check(cmd Command) InputDecision {
	if s.MaxChars > 0 && len(cmd.Text) > s.MaxChars {
		return Rejected(fmt.Sprintf("input exceeds %d characters", s.MaxChars), InputInvalid)
	}
	return Allowed()
}

// RateChecker is the capability a rate-limit stage delegates to; the engine
// does not do tenant bookkeeping itself.
type RateChecker interface {
	Allow(ctx context.Context, userID string) bool
}

// RateLimitStage rejects when the RateChecker denies the user.
type RateLimitStage struct {
	StageBase
	Checker RateChecker
}

// NewRateLimitStage wraps an external rate checker as a pipeline stage.
func NewRateLimitStage(checker RateChecker) *RateLimitStage {
	return &RateLimitStage{StageBase: StageBase{StageName: "rate_limit"}, Checker: checker}
}

func (s *RateLimitStage) Check(cmd Command) InputDecision {
	if s.Checker != nil && !s.Checker.Allow(context.Background(), cmd.UserID) {
		return Rejected("rate limit exceeded", InputRateLimited)
	}
	return Allowed()
}

// ---- output stages ----

// CanaryStage rejects responses leaking a canary token planted in the system
// prompt.
type CanaryStage struct {
	StageBase
	Token string
}

// NewCanaryStage builds a canary detector for the given token.
func NewCanaryStage(token string) *CanaryStage {
	return &CanaryStage{StageBase: StageBase{StageName: "canary_token"}, Token: token}
}

func (s *CanaryStage) Check(oc OutputContext) OutputDecision {
	if s.Token != "" && strings.Contains(oc.Content, s.Token) {
		return OutputRejected("canary token leaked", OutputPolicyViolation)
	}
	return OutputAllowed()
}

// LeakageStage rejects responses that look like verbatim system prompt leaks.
type LeakageStage struct {
	StageBase
	patterns []*regexp.Regexp
}

var defaultLeakPatterns = []string{
	`(?i)my\s+system\s+prompt\s+(is|says)`,
	`(?i)here\s+(is|are)\s+my\s+(instructions|system\s+prompt)`,
	`(?i)i\s+was\s+instructed\s+to\b.*\bnever\s+reveal`,
}

// NewLeakageStage compiles the default leak patterns plus extras.
func NewLeakageStage(extra ...string) *LeakageStage {
	s := &LeakageStage{StageBase: StageBase{StageName: "prompt_leakage"}}
	for _, p := range append(append([]string{}, defaultLeakPatterns...), extra...) {
		if re, err := regexp.Compile(p); err == nil {
			s.patterns = append(s.patterns, re)
		}
	}
	return s
}

func (s *LeakageStage) Check(oc OutputContext) OutputDecision {
	for _, re := range s.patterns {
		if re.MatchString(oc.Content) {
			return OutputRejected("possible system prompt leakage", OutputPolicyViolation)
		}
	}
	return OutputAllowed()
}

// MaskPattern is one PII pattern with its replacement.
type MaskPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// DefaultMaskPatterns cover common Korean and generic PII shapes. The table
// is extensible per deployment and hot-swappable (see SetPatterns).
func DefaultMaskPatterns() []MaskPattern {
	return []MaskPattern{
		{
			Name:        "kr_phone",
			Regex:       regexp.MustCompile(`\b01[016789]-\d{3,4}-\d{4}\b`),
			Replacement: "***-****-****",
		},
		{
			Name:        "kr_rrn",
			Regex:       regexp.MustCompile(`\b\d{6}-[1-4]\d{6}\b`),
			Replacement: "******-*******",
		},
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			Replacement: "[email redacted]",
		},
		{
			Name:        "card_number",
			Regex:       regexp.MustCompile(`\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{4}\b`),
			Replacement: "****-****-****-****",
		},
	}
}

// PIIMaskStage rewrites responses to mask personal data. It returns Modified
// rather than Rejected so the user still gets an answer.
type PIIMaskStage struct {
	StageBase
	mu       sync.RWMutex
	patterns []MaskPattern
}

// NewPIIMaskStage builds the masking stage; nil patterns selects the default
// table.
func NewPIIMaskStage(patterns []MaskPattern) *PIIMaskStage {
	if patterns == nil {
		patterns = DefaultMaskPatterns()
	}
	return &PIIMaskStage{StageBase: StageBase{StageName: "pii_mask"}, patterns: patterns}
}

// SetPatterns atomically replaces the pattern table (config hot-reload).
func (s *PIIMaskStage) SetPatterns(patterns []MaskPattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = patterns
}

func (s *PIIMaskStage) Check(oc OutputContext) OutputDecision {
	s.mu.RLock()
	patterns := s.patterns
	s.mu.RUnlock()

	masked := oc.Content
	var hits []string
	for _, p := range patterns {
		if p.Regex.MatchString(masked) {
			masked = p.Regex.ReplaceAllString(masked, p.Replacement)
			hits = append(hits, p.Name)
		}
	}
	if len(hits) == 0 {
		return OutputAllowed()
	}
	return OutputModified(masked, "masked: "+strings.Join(hits, ","))
}

// PolicyStage rejects responses matching deployment policy regexes.
type PolicyStage struct {
	StageBase
	patterns []*regexp.Regexp
}

// NewPolicyStage compiles policy patterns; invalid ones are skipped.
func NewPolicyStage(patterns []string) *PolicyStage {
	s := &PolicyStage{StageBase: StageBase{StageName: "policy"}}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			s.patterns = append(s.patterns, re)
		}
	}
	return s
}

func (s *PolicyStage) Check(oc OutputContext) OutputDecision {
	for _, re := range s.patterns {
		if re.MatchString(oc.Content) {
			return OutputRejected("policy violation", OutputPolicyViolation)
		}
	}
	return OutputAllowed()
}

// LengthFormatStage enforces response length bounds. A too-short response is
// flagged with TooShort so the lifecycle maps it to OUTPUT_TOO_SHORT rather
// than OUTPUT_GUARD_REJECTED.
type LengthFormatStage struct {
	StageBase
	MinChars int
	MaxChars int
}

// NewLengthFormatStage bounds the response size.
func NewLengthFormatStage(minChars, maxChars int) *LengthFormatStage {
	return &LengthFormatStage{StageBase: StageBase{StageName: "length_format"}, MinChars: minChars, MaxChars: maxChars}
}

func (s *LengthFormatStage) Check(oc OutputContext) OutputDecision {
	trimmed := strings.TrimSpace(oc.Content)
	if s.MinChars > 0 && len(trimmed) < s.MinChars {
		dec := OutputRejected(fmt.Sprintf("response shorter than %d characters", s.MinChars), OutputPolicyViolation)
		dec.TooShort = true
		return dec
	}
	if s.MaxChars > 0 && len(trimmed) > s.MaxChars {
		return OutputModified(trimmed[:s.MaxChars], "truncated to maximum length")
	}
	return OutputAllowed()
}
