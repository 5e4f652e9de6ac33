// Package classifier maps a PRD (free-text project brief) to a complexity
// tier and a recommended team size. Classification is a pure function of the
// text: rule-based keyword extraction over seven feature categories, with
// threshold rules for the tier and a boundary-distance confidence score.
package classifier

import (
	"os"
	"sort"
	"strings"
)

// Tier is the complexity classification of a PRD.
type Tier string

const (
	TierSimple     Tier = "simple"
	TierStandard   Tier = "standard"
	TierComplex    Tier = "complex"
	TierEnterprise Tier = "enterprise"
)

// OverrideEnv forces the tier when set to a valid tier name.
const OverrideEnv = "LOKI_COMPLEXITY"

// AgentCounts maps each tier to its recommended team size.
var AgentCounts = map[Tier]int{
	TierSimple:     3,
	TierStandard:   6,
	TierComplex:    8,
	TierEnterprise: 12,
}

// Classification is the result of classifying a PRD.
type Classification struct {
	Tier       Tier           `json:"tier"`
	Confidence float64        `json:"confidence"`
	Features   map[string]int `json:"features"` // unique keyword hits per category
	AgentCount int            `json:"agent_count"`
	Override   bool           `json:"override"`
}

// Feature categories and their keyword lists. Hits are counted once per
// unique keyword, case-insensitively.
var categoryKeywords = map[string][]string{
	"service_count": {
		"microservice", "api gateway", "grpc", "message queue", "worker",
		"event-driven", "pub/sub", "service mesh", "backend service",
	},
	"external_apis": {
		"stripe", "twilio", "sendgrid", "webhook", "third-party",
		"external api", "payment", "oauth provider", "s3", "integration",
	},
	"database_complexity": {
		"database", "postgres", "mysql", "mongodb", "redis", "migration",
		"schema", "transaction", "sharding", "replication", "full-text search",
	},
	"deployment_complexity": {
		"docker", "kubernetes", "ci/cd", "terraform", "helm", "autoscaling",
		"load balancer", "blue-green", "canary", "deployment pipeline",
	},
	"testing_requirements": {
		"unit test", "integration test", "e2e", "end-to-end", "coverage",
		"load test", "test suite", "tdd", "regression",
	},
	"ui_complexity": {
		"dashboard", "react", "vue", "responsive", "single-page", "frontend",
		"accessibility", "i18n", "drag-and-drop", "form",
	},
	"auth_complexity": {
		"authentication", "authorization", "sso", "oauth2", "jwt", "rbac",
		"mfa", "saml", "session management", "api key",
	},
}

// enterpriseKeywords force the enterprise tier when any one matches.
var enterpriseKeywords = []string{
	"multi-tenant", "compliance", "soc2", "hipaa", "gdpr", "sla",
	"disaster recovery", "high availability", "audit trail", "enterprise-grade",
	"data residency", "99.9",
}

// tier boundaries on total hits; used for the confidence distance.
var boundaries = []int{6, 16, 26}

// Classify maps PRD text to a classification. Classify(p) == Classify(p)
// for the same text and environment.
func Classify(prd string) Classification {
	if override := os.Getenv(OverrideEnv); override != "" {
		if tier, ok := parseTier(override); ok {
			return Classification{
				Tier:       tier,
				Confidence: 1.0,
				Features:   extractFeatures(prd),
				AgentCount: AgentCounts[tier],
				Override:   true,
			}
		}
	}

	text := strings.ToLower(prd)
	features := extractFeatures(prd)

	total := 0
	active := 0
	for _, hits := range features {
		total += hits
		if hits > 0 {
			active++
		}
	}

	tier := decideTier(text, total, active)

	return Classification{
		Tier:       tier,
		Confidence: confidence(total, active),
		Features:   features,
		AgentCount: AgentCounts[tier],
	}
}

func decideTier(text string, total, active int) Tier {
	for _, kw := range enterpriseKeywords {
		if strings.Contains(text, kw) {
			return TierEnterprise
		}
	}
	switch {
	case total > 25:
		return TierEnterprise
	case total >= 16 || (total >= 12 && active >= 4):
		return TierComplex
	case total >= 6 || active >= 3:
		return TierStandard
	default:
		return TierSimple
	}
}

// confidence grows with distance from the nearest tier boundary: far from a
// boundary means the rules agree decisively.
func confidence(total, active int) float64 {
	minDist := 1 << 30
	for _, b := range boundaries {
		d := total - b
		if d < 0 {
			d = -d
		}
		if d < minDist {
			minDist = d
		}
	}

	c := 0.5 + 0.05*float64(minDist)
	if c > 0.95 {
		c = 0.95
	}
	if active >= 5 {
		c += 0.05
		if c > 0.95 {
			c = 0.95
		}
	}
	if total <= 2 && c > 0.7 {
		c = 0.7
	}
	return c
}

func extractFeatures(prd string) map[string]int {
	text := strings.ToLower(prd)
	features := make(map[string]int, len(categoryKeywords))
	for category, keywords := range categoryKeywords {
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		features[category] = hits
	}
	return features
}

func parseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierSimple:
		return TierSimple, true
	case TierStandard:
		return TierStandard, true
	case TierComplex:
		return TierComplex, true
	case TierEnterprise:
		return TierEnterprise, true
	}
	return "", false
}

// ActiveCategories returns the categories with at least one hit, sorted.
func (c Classification) ActiveCategories() []string {
	var out []string
	for cat, hits := range c.Features {
		if hits > 0 {
			out = append(out, cat)
		}
	}
	sort.Strings(out)
	return out
}
