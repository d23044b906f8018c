package service

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// MatchEngine scores imported records against a study's referral pool.
type MatchEngine struct {
	logger     *logrus.Logger
	normalizer *Normalizer
	rules      []CriterionRule
}

// MatchEngineOption configures a MatchEngine.
type MatchEngineOption func(*MatchEngine)

// WithICFTolerance sets the ICF proximity window in days.
func WithICFTolerance(days int) MatchEngineOption {
	return func(e *MatchEngine) {
		e.rules = DefaultCriterionRules(days)
	}
}

// WithRules replaces the comparator set.
func WithRules(rules []CriterionRule) MatchEngineOption {
	return func(e *MatchEngine) {
		e.rules = rules
	}
}

// NewMatchEngine creates a new match scoring engine
func NewMatchEngine(logger *logrus.Logger, opts ...MatchEngineOption) *MatchEngine {
	engine := &MatchEngine{
		logger:     logger,
		normalizer: NewNormalizer(),
		rules:      DefaultCriterionRules(domain.DefaultICFWindow),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Rules returns the comparators in evaluation order.
func (e *MatchEngine) Rules() []CriterionRule {
	out := make([]CriterionRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// ScorePair runs every criterion for one record/candidate pair.
func (e *MatchEngine) ScorePair(record domain.ImportedRecord, candidate domain.CandidateReferral) domain.MatchCandidate {
	return e.score(e.normalizer.NormalizeRecord(record), e.normalizer.NormalizeCandidate(candidate))
}

func (e *MatchEngine) score(record NormalizedRecord, candidate NormalizedCandidate) domain.MatchCandidate {
	reasons := make([]domain.MatchCriterionResult, 0, len(e.rules))
	total := 0

	for _, rule := range e.rules {
		result := rule.Evaluator(record, candidate)
		result.Criterion = rule.Criterion
		if !result.Matched {
			result.Weight = 0
		}
		total += result.Weight
		reasons = append(reasons, result)
	}

	if total > domain.MaxConfidence {
		total = domain.MaxConfidence
	}

	return domain.MatchCandidate{
		ReferralID:      candidate.Source.ID,
		Referral:        candidate.Source,
		ConfidenceScore: total,
		Band:            domain.BandFor(total),
		MatchReasons:    reasons,
	}
}

// FindMatches scores every candidate in the pool and returns them ranked. Zero-score
// candidates are kept; deciding a display cutoff is up to the caller. Ordering is by score,
// then by referral recency, then by position in the pool.
func (e *MatchEngine) FindMatches(record domain.ImportedRecord, pool []domain.CandidateReferral) []domain.MatchCandidate {
	candidates := make([]domain.MatchCandidate, 0, len(pool))
	if len(pool) == 0 {
		return candidates
	}

	normalized := e.normalizer.NormalizeRecord(record)
	for _, referral := range pool {
		candidates = append(candidates, e.score(normalized, e.normalizer.NormalizeCandidate(referral)))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].ConfidenceScore != candidates[j].ConfidenceScore {
			return candidates[i].ConfidenceScore > candidates[j].ConfidenceScore
		}
		return candidates[i].Referral.UpdatedAt.After(candidates[j].Referral.UpdatedAt)
	})

	if e.logger.IsLevelEnabled(logrus.DebugLevel) {
		e.logger.WithFields(logrus.Fields{
			"record_id":      record.ID,
			"pool_size":      len(pool),
			"top_score":      candidates[0].ConfidenceScore,
			"missing_fields": record.MissingFields(),
		}).Debug("Scored record against candidate pool")
	}

	return candidates
}

// TopCandidates returns at most limit ranked candidates. A limit of zero or less returns all.
func (e *MatchEngine) TopCandidates(record domain.ImportedRecord, pool []domain.CandidateReferral, limit int) []domain.MatchCandidate {
	candidates := e.FindMatches(record, pool)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}
