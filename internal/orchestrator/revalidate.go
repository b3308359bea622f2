package orchestrator

import (
	"context"
	"fmt"
	"os"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/fsutil"
	"github.com/p-blackswan/agentforge/internal/validation"
)

// Revalidate re-runs the validator chain over a committed run's artifacts
// as they are on disk now. Files that were edited since commit fail the
// integrity check in addition to whatever else they break.
func (o *Orchestrator) Revalidate(ctx context.Context, runID string) (*validation.Report, error) {
	run, err := o.GetStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Phase != PhaseCommitted {
		return nil, ferrors.Validation("revalidate", fmt.Errorf("%w: run %s is %s, not %s", ferrors.ErrInvalidTransition, runID, run.Phase, PhaseCommitted))
	}

	committed := make(map[string]string, len(run.Committed))
	inputs := make([]validation.Input, 0, len(run.Committed))
	for _, c := range run.Committed {
		committed[c.TemplateID] = c.ContentHash
		d, _ := o.catalog.Get(c.TemplateID)
		in := validation.Input{TemplateID: c.TemplateID, Descriptor: d, Required: d == nil || d.Required()}

		data, err := os.ReadFile(c.Path)
		if err != nil {
			o.logger.Warn().Err(err).Str("run_id", runID).Str("template_id", c.TemplateID).Msg("committed artifact unreadable")
		} else {
			_, in.Data, _ = SplitHeader(data)
		}
		inputs = append(inputs, in)
	}

	report, err := o.newEngine(integrity{committed: committed}).Validate(ctx, inputs)
	if err != nil {
		return nil, ferrors.Validation("revalidate", err)
	}
	o.logger.Info().Str("run_id", runID).Str("summary", report.Summary()).Msg("run revalidated")
	return report, nil
}

// integrity compares an artifact body with the hash recorded at commit.
type integrity struct {
	committed map[string]string
}

func (integrity) Name() string                  { return "integrity" }
func (integrity) Severity() validation.Severity { return validation.SeverityBlocking }

func (v integrity) Validate(_ context.Context, t *validation.Target, _ *validation.Set) []string {
	want := v.committed[t.TemplateID]
	if len(t.Data) == 0 {
		return []string{"committed artifact is missing"}
	}
	if got := fsutil.SHA256Hex(t.Data); got != want {
		return []string{fmt.Sprintf("content hash %s does not match committed %s", got, want)}
	}
	return nil
}
