package filemanager

import (
	"context"
	"time"

	"github.com/icgc-argo/files-service/internal/embargo"
	"github.com/icgc-argo/files-service/internal/external"
	"github.com/icgc-argo/files-service/internal/filemodel"
)

// ExternalSourceReader implements SourceReader against the real
// upstream collaborators (spec.md §6): the analysis catalog for the
// analysis's first-published timestamp, the gateway for matched-
// sample-pair lineage, and the clinical registry for donor
// completeness.
type ExternalSourceReader struct {
	Analysis external.AnalysisCatalogClient
	Gateway  external.GatewayClient
	Clinical external.ClinicalRegistryClient
}

var _ SourceReader = (*ExternalSourceReader)(nil)

func (r *ExternalSourceReader) ReadSources(ctx context.Context, f *filemodel.File) (Sources, error) {
	analysis, err := r.Analysis.GetAnalysis(ctx, f.ProgramID, f.AnalysisID, nil)
	if err != nil {
		return Sources{}, Error.Wrap(err)
	}

	pairs, err := r.Gateway.MatchedSamplePairs(ctx, f.DonorID)
	if err != nil {
		return Sources{}, Error.Wrap(err)
	}

	donor, err := r.Clinical.GetDonor(ctx, f.ProgramID, f.DonorID)
	if err != nil {
		return Sources{}, Error.Wrap(err)
	}

	return Sources{
		Analysis: &embargo.SongAnalysis{FirstPublishedAt: parseTimeField(analysis["firstPublishedAt"])},
		Pairs:    pairs,
		Donor:    &donor,
	}, nil
}

func parseTimeField(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
