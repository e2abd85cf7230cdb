package commit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/registry"
	"github.com/openfroyo/upll/pkg/stores"
	"github.com/openfroyo/upll/pkg/telemetry"
)

// Report summarizes a commit across key types.
type Report struct {
	// Rows is the number of main rows written to running.
	Rows int

	// Episodes lists the finished episodes in execution order.
	Episodes []*stores.Episode

	// Failed lists the controller votes that did not succeed.
	Failed []Vote
}

// Commit runs the vote and copy phases for every key type with pending
// changes. Deletes run first, children before parents; creates and
// updates follow, parents before children. The first failing episode
// stops the commit.
func (p *Pipeline) Commit(ctx context.Context, scope engine.Scope) (*Report, error) {
	if err := scope.Validate(); err != nil {
		return nil, engine.NewError(engine.CodeBadRequest, err.Error(), nil)
	}
	order, err := p.reg.CommitOrder()
	if err != nil {
		return nil, err
	}

	rep := &Report{}
	deletes := []engine.Operation{engine.OpDelete}
	for i := len(order) - 1; i >= 0; i-- {
		if err := p.commitType(ctx, order[i], deletes, scope, rep); err != nil {
			return rep, err
		}
	}
	writes := []engine.Operation{engine.OpCreate, engine.OpUpdate}
	for _, mt := range order {
		if err := p.commitType(ctx, mt, writes, scope, rep); err != nil {
			return rep, err
		}
	}

	p.logger.Info().
		Str("scope", scope.String()).
		Int("rows", rep.Rows).
		Int("episodes", len(rep.Episodes)).
		Int("failed_votes", len(rep.Failed)).
		Msg("Commit finished")
	return rep, nil
}

func (p *Pipeline) commitType(ctx context.Context, mt *registry.MOType, ops []engine.Operation, scope engine.Scope, rep *Report) error {
	dirty, err := p.dirty(ctx, mt, ops, scope)
	if err != nil || !dirty {
		return err
	}

	ep := stores.NewEpisode(stores.EpisodeKindCommit, mt.KeyType, scope)
	err = p.runEpisode(ctx, ep, func(ctx context.Context) (int, error) {
		res := NewResults()
		if err := p.vote(ctx, mt, ops, scope, res); err != nil {
			return 0, err
		}
		rep.Failed = append(rep.Failed, res.Failed()...)
		return p.copy(ctx, mt, ops, res, scope, ep.ID)
	})
	rep.Rows += ep.Rows
	rep.Episodes = append(rep.Episodes, ep)
	return err
}

// runEpisode journals, traces and measures one episode around fn, which
// returns the number of rows it wrote.
func (p *Pipeline) runEpisode(ctx context.Context, ep *stores.Episode, fn func(ctx context.Context) (int, error)) error {
	kind := string(ep.Kind)
	scope := engine.Scope{Mode: ep.Mode, VTN: ep.VTN}
	logger := telemetry.WithEpisodeID(p.logger, ep.ID).With().
		Str("kind", kind).
		Str("key_type", string(ep.KeyType)).
		Str("scope", scope.String()).
		Logger()

	if p.journal != nil {
		if err := p.journal.CreateEpisode(ctx, ep); err != nil {
			return err
		}
	}
	var span trace.Span
	if p.tel != nil {
		ctx, span = p.tel.Tracer.StartEpisodeSpan(ctx, ep.ID, kind, string(ep.KeyType), scope.String())
		defer span.End()
	}
	p.metrics().RecordEpisodeStarted(kind)
	_ = p.events().PublishEpisodeStarted(ep.ID, kind, string(ep.KeyType), scope.String())
	logger.Info().Msg("Episode started")

	timer := telemetry.NewTimer()
	rows, err := fn(ctx)
	ep.Rows = rows

	var errMsg *string
	ep.Status = stores.EpisodeStatusCompleted
	if err != nil {
		msg := err.Error()
		errMsg = &msg
		ep.Status = stores.EpisodeStatusFailed
		ep.Error = errMsg
		p.metrics().RecordError(string(engine.CodeOf(err)))
		_ = p.events().PublishEpisodeFailed(ep.ID, string(ep.KeyType), msg)
		logger.Error().Err(err).Int("rows", rows).Msg("Episode failed")
	} else {
		_ = p.events().PublishEpisodeCompleted(ep.ID, string(ep.KeyType), rows, timer.Duration())
		logger.Info().Int("rows", rows).Dur("duration", timer.Duration()).Msg("Episode completed")
	}
	now := time.Now().UTC()
	ep.CompletedAt = &now
	if span != nil {
		telemetry.SetAttributes(span, attribute.Int("rows", rows), attribute.String("status", string(ep.Status)))
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
	}
	p.metrics().RecordEpisodeCompleted(kind, string(ep.Status), timer.Duration())

	if p.journal != nil {
		if jerr := p.journal.CompleteEpisode(context.WithoutCancel(ctx), ep.ID, ep.Status, rows, errMsg); jerr != nil {
			logger.Error().Err(jerr).Msg("Failed to journal episode")
			if err == nil {
				err = jerr
			}
		}
	}
	return err
}
