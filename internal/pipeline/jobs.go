package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/invoice-warehouse/internal/jobs"
	"github.com/dvloznov/invoice-warehouse/internal/logger"
)

// JobHandler runs each queued document as a one-document batch and stores
// a summary on the job.
func (p *Processor) JobHandler() jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		docJob, ok := job.(*jobs.ProcessDocumentJob)
		if !ok {
			return fmt.Errorf("unexpected job type: %T", job)
		}

		log := logger.FromContext(ctx).With().
			Str("job_id", docJob.JobID).
			Str("source", docJob.Source).
			Logger()
		ctx = logger.WithContext(ctx, log)
		log.Info().Msg("Processing document job")

		res, err := p.ProcessBatch(ctx, []string{docJob.Source})
		if err != nil {
			return err
		}

		result := &jobs.JobResult{
			RunID:     res.RunID,
			Chunks:    res.Tables.Chunks.Len(),
			LineItems: res.Tables.LineItems.Len(),
			TotalCost: res.TotalCost(),
		}
		if len(res.Tables.Invoices) > 0 {
			result.InvoiceUUID = res.Tables.Invoices[0].InvoiceUUID
		}
		if len(res.Documents) > 0 {
			result.Pages = res.Documents[0].Cost.Pages
		}
		docJob.Result = result
		return nil
	}
}
