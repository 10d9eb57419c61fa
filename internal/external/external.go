// Package external defines narrow interfaces for every upstream
// collaborator the core consumes (spec.md §6) plus thin HTTP
// implementations of each. HTTP routing, auth, schema-migration
// bootstrap, and the services themselves are out of scope (spec.md
// §1); this package only speaks to them as a client.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zeebo/errs"

	"github.com/icgc-argo/files-service/internal/docbuilder"
	"github.com/icgc-argo/files-service/internal/embargo"
)

// Error is the error class for the external package.
var Error = errs.Class("external")

// AnalysisFragments maps objectId to the upstream fragments produced
// for it by the analysis-to-file transform service.
type AnalysisFragments map[string][]docbuilder.UpstreamFragment

// AnalysisTransformClient converts one or more analyses into
// file-centric fragments.
type AnalysisTransformClient interface {
	Transform(ctx context.Context, analyses []string, repoCode string) (AnalysisFragments, error)
}

// AnalysisPage is one page of the analysis catalog's paginated list.
type AnalysisPage struct {
	Analyses           []map[string]interface{} `json:"analyses"`
	TotalAnalyses      int                       `json:"totalAnalyses"`
	CurrentTotalAnalyses int                     `json:"currentTotalAnalyses"`
}

// AnalysisCatalogClient reads analysis metadata from the catalog of
// record for a study.
type AnalysisCatalogClient interface {
	ListAnalyses(ctx context.Context, studyID string, offset, limit int, states []string) (AnalysisPage, error)
	ListStudies(ctx context.Context) ([]string, error)
	GetAnalysis(ctx context.Context, studyID, analysisID string, states []string) (map[string]interface{}, error)
}

// DataCenter is one entry from the data-center registry.
type DataCenter struct {
	CenterID string `json:"centerId"`
	SongURL  string `json:"songUrl"`
}

// DataCenterRegistryClient resolves a data-center id to its SONG URL.
type DataCenterRegistryClient interface {
	GetDataCenter(ctx context.Context, id string) (DataCenter, error)
}

// GatewayClient fetches alignment metrics and matched-sample-pair
// lineage from the GraphQL gateway.
type GatewayClient interface {
	AlignmentMetrics(ctx context.Context, runID string) (map[string]interface{}, error)
	MatchedSamplePairs(ctx context.Context, donorID string) ([]embargo.MatchedSamplePair, error)
}

// DonorIterator streams clinical-registry donors one at a time,
// matching the NDJSON streaming contract of GET /clinical/program/{p}/donors.
type DonorIterator interface {
	Next(ctx context.Context) bool
	Current() embargo.ClinicalDonor
	Err() error
	Close() error
}

// ClinicalRegistryClient reads donor clinical-completeness data.
type ClinicalRegistryClient interface {
	GetDonor(ctx context.Context, programID, donorID string) (embargo.ClinicalDonor, error)
	StreamDonors(ctx context.Context, programID string) (DonorIterator, error)
}

// IndexSpec names one indexed generation known to the alias resolver.
type IndexSpec struct {
	Index      string `json:"index"`
	Program    string `json:"program"`
	Visibility string `json:"visibility"`
}

// AliasReleaseRequest swaps alias to point at exactly indices.
type AliasReleaseRequest struct {
	Alias   string   `json:"alias"`
	Indices []string `json:"indices"`
}

// RollcallClient is the index alias resolver ("rollcall") of spec.md
// §4.5/§6: at-most-one active generation per (program, visibility),
// resolved and released through its own service rather than driven
// directly against Elasticsearch.
type RollcallClient interface {
	ResolveIndices(ctx context.Context) ([]IndexSpec, error)
	CreateIndex(ctx context.Context, spec IndexSpec) error
	ReleaseAlias(ctx context.Context, req AliasReleaseRequest) error
}

// httpClient is the shared plumbing every concrete client below uses:
// marshal a JSON body, POST/GET it, unmarshal the JSON response. A
// non-2xx response is returned as a plain Error-class error carrying the
// method, path, status and body; it wraps no sentinel, so apierrors
// classifies it as Fatal, not Upstream.
type httpClient struct {
	base    string
	http    *http.Client
	headers map[string]string
}

func newHTTPClient(base string, timeout time.Duration, headers map[string]string) httpClient {
	return httpClient{base: base, http: &http.Client{Timeout: timeout}, headers: headers}
}

func (c httpClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Error.Wrap(err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Error.Wrap(err)
	}

	if resp.StatusCode/100 != 2 {
		return Error.New("upstream %s %s returned %d: %s", method, path, resp.StatusCode, string(payload))
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// NewAnalysisTransformClient builds an HTTP-backed AnalysisTransformClient.
func NewAnalysisTransformClient(base string, timeout time.Duration) AnalysisTransformClient {
	return &analysisTransformClient{newHTTPClient(base, timeout, nil)}
}

type analysisTransformClient struct{ httpClient }

func (c *analysisTransformClient) Transform(ctx context.Context, analyses []string, repoCode string) (AnalysisFragments, error) {
	var out AnalysisFragments
	req := map[string]interface{}{"analyses": analyses, "repoCode": repoCode}
	if err := c.doJSON(ctx, http.MethodPost, "/transform", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewAnalysisCatalogClient builds an HTTP-backed AnalysisCatalogClient.
func NewAnalysisCatalogClient(base string, timeout time.Duration) AnalysisCatalogClient {
	return &analysisCatalogClient{newHTTPClient(base, timeout, nil)}
}

type analysisCatalogClient struct{ httpClient }

func (c *analysisCatalogClient) ListAnalyses(ctx context.Context, studyID string, offset, limit int, states []string) (AnalysisPage, error) {
	var page AnalysisPage
	path := fmt.Sprintf("/studies/%s/analyses?offset=%d&limit=%d", studyID, offset, limit)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (c *analysisCatalogClient) ListStudies(ctx context.Context) ([]string, error) {
	var studies []string
	err := c.doJSON(ctx, http.MethodGet, "/studies/all", nil, &studies)
	return studies, err
}

func (c *analysisCatalogClient) GetAnalysis(ctx context.Context, studyID, analysisID string, states []string) (map[string]interface{}, error) {
	var analysis map[string]interface{}
	path := fmt.Sprintf("/studies/%s/analysis/%s", studyID, analysisID)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &analysis)
	return analysis, err
}

// NewDataCenterRegistryClient builds an HTTP-backed DataCenterRegistryClient.
func NewDataCenterRegistryClient(base string, timeout time.Duration) DataCenterRegistryClient {
	return &dataCenterRegistryClient{newHTTPClient(base, timeout, nil)}
}

type dataCenterRegistryClient struct{ httpClient }

func (c *dataCenterRegistryClient) GetDataCenter(ctx context.Context, id string) (DataCenter, error) {
	var dc DataCenter
	err := c.doJSON(ctx, http.MethodGet, "/data-centers/"+id, nil, &dc)
	return dc, err
}

// NewGatewayClient builds a GraphQL-backed GatewayClient, following the
// single-Query-method shape of a thin GraphQL client over plain HTTP.
func NewGatewayClient(base string, timeout time.Duration) GatewayClient {
	return &gatewayClient{newHTTPClient(base, timeout, nil)}
}

type gatewayClient struct{ httpClient }

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

func (c *gatewayClient) query(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	var resp graphQLResponse
	req := graphQLRequest{Query: query, Variables: variables}
	if err := c.doJSON(ctx, http.MethodPost, "/graphql", req, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return Error.New("graphql error: %s", resp.Errors[0].Message)
	}
	if out == nil {
		return nil
	}
	return Error.Wrap(json.Unmarshal(resp.Data, out))
}

func (c *gatewayClient) AlignmentMetrics(ctx context.Context, runID string) (map[string]interface{}, error) {
	var out struct {
		Metrics map[string]interface{} `json:"metrics"`
	}
	query := `query($runId: String!) { alignmentMetrics(runId: $runId) { metrics } }`
	if err := c.query(ctx, query, map[string]interface{}{"runId": runID}, &out); err != nil {
		return nil, err
	}
	return out.Metrics, nil
}

func (c *gatewayClient) MatchedSamplePairs(ctx context.Context, donorID string) ([]embargo.MatchedSamplePair, error) {
	var out struct {
		Pairs []embargo.MatchedSamplePair `json:"matchedSamplePairs"`
	}
	query := `query($donorId: String!) { matchedSamplePairs(donorId: $donorId) { normalFirstPublishedAt tumourFirstPublishedAt } }`
	if err := c.query(ctx, query, map[string]interface{}{"donorId": donorID}, &out); err != nil {
		return nil, err
	}
	return out.Pairs, nil
}

// NewClinicalRegistryClient builds an HTTP-backed ClinicalRegistryClient.
func NewClinicalRegistryClient(base string, timeout time.Duration) ClinicalRegistryClient {
	return &clinicalRegistryClient{newHTTPClient(base, timeout, nil)}
}

type clinicalRegistryClient struct{ httpClient }

func (c *clinicalRegistryClient) GetDonor(ctx context.Context, programID, donorID string) (embargo.ClinicalDonor, error) {
	var donor embargo.ClinicalDonor
	path := fmt.Sprintf("/clinical/program/%s/donor/%s", programID, donorID)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &donor)
	return donor, err
}

// StreamDonors opens the newline-delimited JSON donor stream for a
// program and returns a pull-based iterator over it, per spec.md §9's
// "express streaming reads as lazy sequences" guidance.
func (c *clinicalRegistryClient) StreamDonors(ctx context.Context, programID string) (DonorIterator, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/clinical/program/"+programID+"/donors", nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, Error.New("upstream donor stream returned %d", resp.StatusCode)
	}
	return &ndjsonDonorIterator{decoder: json.NewDecoder(resp.Body), closer: resp.Body}, nil
}

type ndjsonDonorIterator struct {
	decoder *json.Decoder
	closer  io.Closer
	current embargo.ClinicalDonor
	err     error
}

func (it *ndjsonDonorIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}
	var donor embargo.ClinicalDonor
	if err := it.decoder.Decode(&donor); err != nil {
		if err != io.EOF {
			it.err = Error.Wrap(err)
		}
		return false
	}
	it.current = donor
	return true
}

func (it *ndjsonDonorIterator) Current() embargo.ClinicalDonor { return it.current }
func (it *ndjsonDonorIterator) Err() error                     { return it.err }
func (it *ndjsonDonorIterator) Close() error                   { return it.closer.Close() }

// NewRollcallClient builds an HTTP-backed RollcallClient.
func NewRollcallClient(base string, timeout time.Duration) RollcallClient {
	return &rollcallClient{newHTTPClient(base, timeout, nil)}
}

type rollcallClient struct{ httpClient }

func (c *rollcallClient) ResolveIndices(ctx context.Context) ([]IndexSpec, error) {
	var specs []IndexSpec
	err := c.doJSON(ctx, http.MethodGet, "/indices/resolved", nil, &specs)
	return specs, err
}

func (c *rollcallClient) CreateIndex(ctx context.Context, spec IndexSpec) error {
	return c.doJSON(ctx, http.MethodPost, "/indices/create", spec, nil)
}

func (c *rollcallClient) ReleaseAlias(ctx context.Context, req AliasReleaseRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/aliases/release", req, nil)
}
