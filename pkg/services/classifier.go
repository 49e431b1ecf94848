package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/llm"
	"github.com/covality-inc/covality-engine/pkg/models"
)

// MappingFinding is one coverage judgment returned by the classifier for a
// (policy, control) pair. Findings with coverage "none" are discarded before
// they reach the caller.
type MappingFinding struct {
	ControlCode string
	Coverage    models.CoverageLevel
	Confidence  float64
	Reasoning   string
}

// SemanticControlClassifier judges how well policy text covers controls.
// The backend is untrusted and best-effort: implementations own strict
// parsing and return typed empty results when output cannot be understood,
// so callers treat every imperfection uniformly as "no findings".
type SemanticControlClassifier interface {
	// ClassifyMappings judges one policy's text against a bounded batch of
	// controls. A response that cannot be parsed yields an empty list, not an
	// error; transport errors are returned as errors.
	ClassifyMappings(ctx context.Context, policyName, policyText string, controls []*models.ControlWithCategory) ([]MappingFinding, error)

	// ClassifyGaps describes the exposure created by uncovered controls,
	// given the names of the policies that do exist.
	ClassifyGaps(ctx context.Context, uncovered []*models.ControlWithCategory, policyNames []string) ([]models.Gap, error)

	// ClassifyRecommendations turns gaps and the overall score into a
	// prioritized remediation plan.
	ClassifyRecommendations(ctx context.Context, gaps []models.Gap, overallScore float64) ([]models.Recommendation, error)
}

type llmClassifier struct {
	client    llm.LLMClient
	textLimit int
	logger    *zap.Logger
}

// NewLLMClassifier creates a SemanticControlClassifier backed by an LLM
// client. textLimit caps how many characters of policy text are submitted
// per call.
func NewLLMClassifier(client llm.LLMClient, textLimit int, logger *zap.Logger) SemanticControlClassifier {
	return &llmClassifier{
		client:    client,
		textLimit: textLimit,
		logger:    logger.Named("classifier"),
	}
}

var _ SemanticControlClassifier = (*llmClassifier)(nil)

// ============================================================================
// Wire formats
// ============================================================================

type mappingItem struct {
	ControlCode string  `json:"control_code"`
	Coverage    string  `json:"coverage"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

type mappingResponse struct {
	Mappings []mappingItem `json:"mappings"`
}

type gapItem struct {
	ControlCode     string `json:"control_code"`
	Severity        string `json:"severity"`
	Description     string `json:"description"`
	Remediation     string `json:"remediation"`
	SuggestedPolicy string `json:"suggested_policy"`
}

type gapResponse struct {
	Gaps []gapItem `json:"gaps"`
}

type recommendationItem struct {
	Priority    int      `json:"priority"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Timeframe   string   `json:"timeframe"`
	GapCodes    []string `json:"gap_codes"`
}

type recommendationResponse struct {
	Recommendations []recommendationItem `json:"recommendations"`
}

// ============================================================================
// ClassifyMappings
// ============================================================================

func (c *llmClassifier) ClassifyMappings(ctx context.Context, policyName, policyText string, controls []*models.ControlWithCategory) ([]MappingFinding, error) {
	if len(controls) == 0 {
		return nil, nil
	}

	policyText = truncateToRuneBoundary(policyText, c.textLimit)

	prompt := c.buildMappingPrompt(policyName, policyText, controls)
	response, err := c.client.GenerateResponse(ctx, prompt, classifierSystemMessage, 0.2)
	if err != nil {
		return nil, fmt.Errorf("classify mappings for %q: %w", policyName, err)
	}

	parsed, err := llm.ParseJSONResponse[mappingResponse](response)
	if err != nil {
		// A parse failure means "no mappings found for this batch", not a
		// pipeline failure.
		c.logger.Warn("Unparsable mapping classification response",
			zap.String("policy", policyName),
			zap.Error(err))
		return []MappingFinding{}, nil
	}

	known := make(map[string]bool, len(controls))
	for _, ctrl := range controls {
		known[ctrl.Code] = true
	}

	findings := make([]MappingFinding, 0, len(parsed.Mappings))
	for _, item := range parsed.Mappings {
		coverage := models.CoverageLevel(strings.ToLower(strings.TrimSpace(item.Coverage)))
		if !coverage.Persistable() {
			// "none" and anything unrecognized is dropped here; the caller
			// never persists it.
			continue
		}
		if !known[item.ControlCode] {
			c.logger.Warn("Classifier returned unknown control code",
				zap.String("policy", policyName),
				zap.String("control_code", item.ControlCode))
			continue
		}
		findings = append(findings, MappingFinding{
			ControlCode: item.ControlCode,
			Coverage:    coverage,
			Confidence:  clampConfidence(item.Confidence),
			Reasoning:   item.Reasoning,
		})
	}
	return findings, nil
}

func (c *llmClassifier) buildMappingPrompt(policyName, policyText string, controls []*models.ControlWithCategory) string {
	var b strings.Builder

	b.WriteString("# Policy Coverage Classification\n\n")
	b.WriteString("You are assessing whether an organization's policy document covers specific compliance controls.\n\n")

	b.WriteString("## Policy Document\n\n")
	b.WriteString(fmt.Sprintf("Name: %s\n\n", policyName))
	b.WriteString("```\n")
	b.WriteString(policyText)
	b.WriteString("\n```\n\n")

	b.WriteString("## Controls to Assess\n\n")
	for _, ctrl := range controls {
		b.WriteString(fmt.Sprintf("- `%s` (%s): %s — %s\n", ctrl.Code, ctrl.CategoryName, ctrl.Title, ctrl.Description))
	}
	b.WriteString("\n")

	b.WriteString("## Your Task\n\n")
	b.WriteString("For each control, decide whether the policy covers it:\n")
	b.WriteString("- `full`: the policy fully addresses the control's requirement\n")
	b.WriteString("- `partial`: the policy addresses some but not all of the requirement\n")
	b.WriteString("- `none`: the policy does not address the requirement\n\n")
	b.WriteString("Only include controls with `full` or `partial` coverage in your answer.\n\n")

	b.WriteString("**Output Format:**\n")
	b.WriteString("```json\n")
	b.WriteString("{\n")
	b.WriteString("  \"mappings\": [\n")
	b.WriteString("    {\n")
	b.WriteString("      \"control_code\": \"AC.L2-3.1.1\",\n")
	b.WriteString("      \"coverage\": \"full\",\n")
	b.WriteString("      \"confidence\": 0.9,\n")
	b.WriteString("      \"reasoning\": \"Section 4 limits system access to authorized users.\"\n")
	b.WriteString("    }\n")
	b.WriteString("  ]\n")
	b.WriteString("}\n")
	b.WriteString("```\n")

	return b.String()
}

// ============================================================================
// ClassifyGaps
// ============================================================================

func (c *llmClassifier) ClassifyGaps(ctx context.Context, uncovered []*models.ControlWithCategory, policyNames []string) ([]models.Gap, error) {
	if len(uncovered) == 0 {
		return nil, nil
	}

	prompt := c.buildGapPrompt(uncovered, policyNames)
	response, err := c.client.GenerateResponse(ctx, prompt, classifierSystemMessage, 0.3)
	if err != nil {
		return nil, fmt.Errorf("classify gaps: %w", err)
	}

	parsed, err := llm.ParseJSONResponse[gapResponse](response)
	if err != nil {
		c.logger.Warn("Unparsable gap classification response", zap.Error(err))
		return []models.Gap{}, nil
	}

	byCode := make(map[string]*models.ControlWithCategory, len(uncovered))
	for _, ctrl := range uncovered {
		byCode[ctrl.Code] = ctrl
	}

	gaps := make([]models.Gap, 0, len(parsed.Gaps))
	for _, item := range parsed.Gaps {
		ctrl, ok := byCode[item.ControlCode]
		if !ok {
			c.logger.Warn("Gap references unknown control code",
				zap.String("control_code", item.ControlCode))
			continue
		}
		severity := models.GapSeverity(strings.ToLower(strings.TrimSpace(item.Severity)))
		if !severity.IsValid() {
			severity = models.GapSeverityMedium
		}
		gaps = append(gaps, models.Gap{
			ControlCode:     ctrl.Code,
			ControlTitle:    ctrl.Title,
			Category:        ctrl.CategoryName,
			Severity:        severity,
			Description:     item.Description,
			Remediation:     item.Remediation,
			SuggestedPolicy: item.SuggestedPolicy,
		})
	}
	return gaps, nil
}

func (c *llmClassifier) buildGapPrompt(uncovered []*models.ControlWithCategory, policyNames []string) string {
	var b strings.Builder

	b.WriteString("# Compliance Gap Analysis\n\n")
	b.WriteString("The following controls are not covered by any of the organization's policies.\n\n")

	b.WriteString("## Uncovered Controls\n\n")
	for _, ctrl := range uncovered {
		b.WriteString(fmt.Sprintf("- `%s` (%s): %s — %s\n", ctrl.Code, ctrl.CategoryName, ctrl.Title, ctrl.Description))
	}
	b.WriteString("\n")

	b.WriteString("## Existing Policies\n\n")
	if len(policyNames) == 0 {
		b.WriteString("None.\n\n")
	} else {
		for _, name := range policyNames {
			b.WriteString(fmt.Sprintf("- %s\n", name))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Your Task\n\n")
	b.WriteString("For each uncovered control, describe the gap: a severity (critical, high, medium, or low), ")
	b.WriteString("what protection is missing, how to remediate it, and what type of policy document would close it.\n\n")

	b.WriteString("**Output Format:**\n")
	b.WriteString("```json\n")
	b.WriteString("{\n")
	b.WriteString("  \"gaps\": [\n")
	b.WriteString("    {\n")
	b.WriteString("      \"control_code\": \"IR.L2-3.6.1\",\n")
	b.WriteString("      \"severity\": \"high\",\n")
	b.WriteString("      \"description\": \"No incident handling capability is documented.\",\n")
	b.WriteString("      \"remediation\": \"Establish and document an incident response procedure.\",\n")
	b.WriteString("      \"suggested_policy\": \"Incident Response Policy\"\n")
	b.WriteString("    }\n")
	b.WriteString("  ]\n")
	b.WriteString("}\n")
	b.WriteString("```\n")

	return b.String()
}

// ============================================================================
// ClassifyRecommendations
// ============================================================================

func (c *llmClassifier) ClassifyRecommendations(ctx context.Context, gaps []models.Gap, overallScore float64) ([]models.Recommendation, error) {
	if len(gaps) == 0 {
		return nil, nil
	}

	prompt := c.buildRecommendationPrompt(gaps, overallScore)
	response, err := c.client.GenerateResponse(ctx, prompt, classifierSystemMessage, 0.3)
	if err != nil {
		return nil, fmt.Errorf("classify recommendations: %w", err)
	}

	parsed, err := llm.ParseJSONResponse[recommendationResponse](response)
	if err != nil {
		c.logger.Warn("Unparsable recommendation response", zap.Error(err))
		return []models.Recommendation{}, nil
	}

	recs := make([]models.Recommendation, 0, len(parsed.Recommendations))
	for i, item := range parsed.Recommendations {
		timeframe := models.RecommendationTimeframe(strings.ToLower(strings.TrimSpace(item.Timeframe)))
		if !timeframe.IsValid() {
			timeframe = models.TimeframeMediumTerm
		}
		priority := item.Priority
		if priority <= 0 {
			priority = i + 1
		}
		recs = append(recs, models.Recommendation{
			Priority:    priority,
			Title:       item.Title,
			Description: item.Description,
			Timeframe:   timeframe,
			GapCodes:    item.GapCodes,
		})
	}
	return recs, nil
}

func (c *llmClassifier) buildRecommendationPrompt(gaps []models.Gap, overallScore float64) string {
	var b strings.Builder

	b.WriteString("# Remediation Planning\n\n")
	b.WriteString(fmt.Sprintf("The organization's overall coverage score is %.1f out of 100.\n\n", overallScore))

	b.WriteString("## Identified Gaps\n\n")
	for _, g := range gaps {
		b.WriteString(fmt.Sprintf("- `%s` [%s]: %s\n", g.ControlCode, g.Severity, g.Description))
	}
	b.WriteString("\n")

	b.WriteString("## Your Task\n\n")
	b.WriteString("Produce a prioritized remediation plan. Group related gaps into actions, assign each a ")
	b.WriteString("priority (1 = most urgent) and a timeframe (immediate, short_term, medium_term, long_term), ")
	b.WriteString("and reference the control codes each action addresses.\n\n")

	b.WriteString("**Output Format:**\n")
	b.WriteString("```json\n")
	b.WriteString("{\n")
	b.WriteString("  \"recommendations\": [\n")
	b.WriteString("    {\n")
	b.WriteString("      \"priority\": 1,\n")
	b.WriteString("      \"title\": \"Establish incident response program\",\n")
	b.WriteString("      \"description\": \"Draft and adopt an incident response policy covering detection, reporting, and recovery.\",\n")
	b.WriteString("      \"timeframe\": \"immediate\",\n")
	b.WriteString("      \"gap_codes\": [\"IR.L2-3.6.1\", \"IR.L2-3.6.2\"]\n")
	b.WriteString("    }\n")
	b.WriteString("  ]\n")
	b.WriteString("}\n")
	b.WriteString("```\n")

	return b.String()
}

const classifierSystemMessage = "You are a compliance analyst assessing policy coverage against control frameworks. " +
	"Be precise and conservative: only claim coverage that the provided text supports. " +
	"Return valid JSON only, with no additional text or explanation."

// truncateToRuneBoundary caps s at limit bytes without splitting a multi-byte
// rune, so truncated policy text stays valid UTF-8.
func truncateToRuneBoundary(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
