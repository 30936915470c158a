package narrative

import (
	"encoding/json"
	"fmt"
	"strings"

	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

type structured struct {
	ExecutiveSummary    string   `json:"executive_summary"`
	KeyDrivers          []string `json:"key_drivers"`
	AnomalyAnalysis     string   `json:"anomaly_analysis"`
	RecommendationsText string   `json:"recommendations_text"`
	RiskAssessment      string   `json:"risk_assessment"`
}

func (s structured) missing() []string {
	var out []string
	if strings.TrimSpace(s.ExecutiveSummary) == "" {
		out = append(out, "executive_summary")
	}
	if len(s.KeyDrivers) == 0 {
		out = append(out, "key_drivers")
	}
	if strings.TrimSpace(s.AnomalyAnalysis) == "" {
		out = append(out, "anomaly_analysis")
	}
	if strings.TrimSpace(s.RecommendationsText) == "" {
		out = append(out, "recommendations_text")
	}
	if strings.TrimSpace(s.RiskAssessment) == "" {
		out = append(out, "risk_assessment")
	}
	return out
}

// Parse reads a structured narrative from model output. The whole text is tried as
// JSON first, then every fenced block and every balanced {...} span in order of
// appearance; the first that decodes with all required fields wins.
func Parse(text string) (api.NarrativeResult, error) {
	trimmed := strings.TrimSpace(text)
	s, err := decode(trimmed)
	if err != nil {
		blocks := embeddedBlocks(trimmed)
		if len(blocks) == 0 {
			return api.NarrativeResult{}, unparseable("no JSON object in response", err)
		}
		var decoded bool
		for _, block := range blocks {
			b, berr := decode(block)
			if berr != nil {
				continue
			}
			if !decoded || len(b.missing()) == 0 {
				s, decoded = b, true
			}
			if len(b.missing()) == 0 {
				break
			}
		}
		if !decoded {
			return api.NarrativeResult{}, unparseable("no embedded block is valid JSON", err)
		}
	}
	if missing := s.missing(); len(missing) > 0 {
		return api.NarrativeResult{}, unparseable("missing required fields: "+strings.Join(missing, ", "), nil)
	}

	drivers := make([]string, 0, len(s.KeyDrivers))
	for _, d := range s.KeyDrivers {
		if d = strings.TrimSpace(d); d != "" {
			drivers = append(drivers, d)
		}
	}
	return api.NarrativeResult{
		ExecutiveSummary:    strings.TrimSpace(s.ExecutiveSummary),
		KeyDrivers:          drivers,
		AnomalyAnalysis:     strings.TrimSpace(s.AnomalyAnalysis),
		RecommendationsText: strings.TrimSpace(s.RecommendationsText),
		RiskAssessment:      strings.TrimSpace(s.RiskAssessment),
		ParseStatus:         api.ParseStructured,
	}, nil
}

func decode(text string) (structured, error) {
	var s structured
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&s); err != nil {
		return structured{}, err
	}
	if dec.More() {
		return structured{}, fmt.Errorf("trailing data after JSON object")
	}
	return s, nil
}

// embeddedBlocks returns the fenced blocks, then the balanced {...} spans, each in
// order of appearance. Spans nested inside an earlier span are included.
func embeddedBlocks(text string) []string {
	var out []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		body := rest[start+3:]
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		block := body[:end]
		// Drop a language tag line such as "json".
		if nl := strings.IndexByte(block, '\n'); nl >= 0 && !strings.Contains(block[:nl], "{") {
			block = block[nl+1:]
		}
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
		rest = body[end+3:]
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if end, ok := balancedEnd(text, i); ok {
			out = append(out, text[i:end+1])
		}
	}
	return out
}

// balancedEnd finds the brace closing the one at start, ignoring braces inside strings.
func balancedEnd(text string, start int) (int, bool) {
	depth, inString, escaped := 0, false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func unparseable(msg string, cause error) error {
	return ierrors.NewTransientError(ierrors.ErrCodeUnparseableResponse, msg, cause).WithComponent("narrative")
}
