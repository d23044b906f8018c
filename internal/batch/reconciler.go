// Package batch scores many studies' IRT exports against their referral pools in parallel.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/service"
)

// Job is one study's records to score.
type Job struct {
	StudyID string                  `json:"study_id" yaml:"study_id"`
	Records []domain.ImportedRecord `json:"records" yaml:"records"`
}

// Proposal is the ranked candidate list for one record. Suggested is set when the top
// candidate clears the auto-accept threshold and beats the runner-up outright.
type Proposal struct {
	Record     domain.ImportedRecord   `json:"record" yaml:"record"`
	Candidates []domain.MatchCandidate `json:"candidates" yaml:"candidates"`
	Suggested  *domain.MatchCandidate  `json:"suggested,omitempty" yaml:"suggested,omitempty"`
}

// Result is the outcome of one job. Error is set when the study's pool could not be loaded;
// other jobs still run.
type Result struct {
	StudyID   string        `json:"study_id" yaml:"study_id"`
	PoolSize  int           `json:"pool_size" yaml:"pool_size"`
	Proposals []Proposal    `json:"proposals" yaml:"proposals"`
	Suggested int           `json:"suggested" yaml:"suggested"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns" yaml:"duration_ns"`
}

// Reconciler runs jobs on a bounded worker pool.
type Reconciler struct {
	engine        *service.MatchEngine
	source        domain.CandidateSource
	logger        *logrus.Logger
	concurrency   int
	autoAccept    int
	maxCandidates int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithConcurrency bounds how many studies are scored at once.
func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithAutoAcceptThreshold sets the minimum score for a suggested match. Zero disables
// suggestions.
func WithAutoAcceptThreshold(score int) Option {
	return func(r *Reconciler) {
		r.autoAccept = score
	}
}

// WithMaxCandidates caps the candidates kept per record.
func WithMaxCandidates(n int) Option {
	return func(r *Reconciler) {
		r.maxCandidates = n
	}
}

// NewReconciler creates a batch reconciler.
func NewReconciler(engine *service.MatchEngine, source domain.CandidateSource, logger *logrus.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		engine:        engine,
		source:        source,
		logger:        logger,
		concurrency:   4,
		autoAccept:    domain.HighBandFloor,
		maxCandidates: domain.DefaultCandidates,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run scores every job. Results come back in job order. The only error returned is
// cancellation of ctx.
func (r *Reconciler) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	results := make([]Result, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.runJob(gctx, job)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("batch reconciliation cancelled: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("batch reconciliation cancelled: %w", err)
	}

	suggested := 0
	for _, res := range results {
		suggested += res.Suggested
	}
	r.logger.WithFields(logrus.Fields{
		"jobs":        len(jobs),
		"concurrency": r.concurrency,
		"suggested":   suggested,
	}).Info("Batch reconciliation completed")

	return results, nil
}

func (r *Reconciler) runJob(ctx context.Context, job Job) Result {
	start := time.Now()
	result := Result{StudyID: job.StudyID, Proposals: []Proposal{}}

	pool, err := r.source.ListCandidates(ctx, job.StudyID)
	if err != nil {
		r.logger.WithError(err).WithField("study_id", job.StudyID).Error("Failed to load candidate pool for batch job")
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	result.PoolSize = len(pool)

	for _, record := range job.Records {
		// The suggestion sees the full ranking so a tie just past the cut still blocks it.
		ranked := r.engine.FindMatches(record, pool)
		candidates := ranked
		if r.maxCandidates > 0 && len(candidates) > r.maxCandidates {
			candidates = candidates[:r.maxCandidates]
		}
		proposal := Proposal{Record: record, Candidates: candidates}
		if top, ok := r.suggest(ranked); ok {
			proposal.Suggested = &top
			result.Suggested++
		}
		result.Proposals = append(result.Proposals, proposal)
	}

	result.Duration = time.Since(start)
	r.logger.WithFields(logrus.Fields{
		"study_id":  job.StudyID,
		"records":   len(job.Records),
		"pool_size": len(pool),
		"suggested": result.Suggested,
		"duration":  result.Duration.String(),
	}).Debug("Batch job scored")
	return result
}

func (r *Reconciler) suggest(candidates []domain.MatchCandidate) (domain.MatchCandidate, bool) {
	if r.autoAccept <= 0 || len(candidates) == 0 {
		return domain.MatchCandidate{}, false
	}
	top := candidates[0]
	if top.ConfidenceScore < r.autoAccept {
		return domain.MatchCandidate{}, false
	}
	if len(candidates) > 1 && candidates[1].ConfidenceScore >= top.ConfidenceScore {
		return domain.MatchCandidate{}, false
	}
	return top, true
}
