package external_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icgc-argo/files-service/internal/external"
	"github.com/icgc-argo/files-service/internal/testcontext"
)

func TestAnalysisTransformClientTransform(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transform", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "DC1", body["repoCode"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"O1":[{"objectId":"O1","donors":[{"donorId":"D1"}]}]}`))
	}))
	defer srv.Close()

	client := external.NewAnalysisTransformClient(srv.URL, time.Second)
	fragments, err := client.Transform(ctx, []string{"A1"}, "DC1")
	require.NoError(t, err)
	require.Contains(t, fragments, "O1")
	assert.Equal(t, "D1", fragments["O1"][0].Donors[0].DonorID)
}

func TestAnalysisTransformClientNon2xxIsUpstreamError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := external.NewAnalysisTransformClient(srv.URL, time.Second)
	_, err := client.Transform(ctx, []string{"A1"}, "DC1")
	require.Error(t, err)
}

func TestDataCenterRegistryClientGetDataCenter(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data-centers/DC1", r.URL.Path)
		_, _ = w.Write([]byte(`{"centerId":"DC1","songUrl":"https://song.example"}`))
	}))
	defer srv.Close()

	client := external.NewDataCenterRegistryClient(srv.URL, time.Second)
	dc, err := client.GetDataCenter(ctx, "DC1")
	require.NoError(t, err)
	assert.Equal(t, "https://song.example", dc.SongURL)
}

func TestGatewayClientMatchedSamplePairs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/graphql", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"matchedSamplePairs":[{"normalFirstPublishedAt":"2020-01-01T00:00:00Z","tumourFirstPublishedAt":"2020-02-01T00:00:00Z"}]}}`))
	}))
	defer srv.Close()

	client := external.NewGatewayClient(srv.URL, time.Second)
	pairs, err := client.MatchedSamplePairs(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.NotNil(t, pairs[0].NormalFirstPublishedAt)
}

func TestGatewayClientSurfacesGraphQLErrors(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"donor not found"}]}`))
	}))
	defer srv.Close()

	client := external.NewGatewayClient(srv.URL, time.Second)
	_, err := client.MatchedSamplePairs(ctx, "missing")
	require.Error(t, err)
}

func TestClinicalRegistryClientStreamDonorsNDJSON(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/clinical/program/PRG1/donors", r.URL.Path)
		_, _ = w.Write([]byte("{\"coreCompletionPercentage\":1}\n{\"coreCompletionPercentage\":0.5}\n"))
	}))
	defer srv.Close()

	client := external.NewClinicalRegistryClient(srv.URL, time.Second)
	it, err := client.StreamDonors(ctx, "PRG1")
	require.NoError(t, err)
	defer it.Close()

	var seen []float64
	for it.Next(ctx) {
		seen = append(seen, it.Current().CoreCompletionPercentage)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []float64{1, 0.5}, seen)
}

func TestRollcallClientReleaseAlias(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	var received external.AliasReleaseRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/aliases/release", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := external.NewRollcallClient(srv.URL, time.Second)
	err := client.ReleaseAlias(ctx, external.AliasReleaseRequest{Alias: "argo_file_centric_restricted", Indices: []string{"idx1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"idx1"}, received.Indices)
}

func TestRollcallClientResolveIndices(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/indices/resolved", r.URL.Path)
		_, _ = w.Write([]byte(`[{"index":"argo_file_centric_PRG1_0","program":"PRG1","visibility":"restricted"}]`))
	}))
	defer srv.Close()

	client := external.NewRollcallClient(srv.URL, time.Second)
	specs, err := client.ResolveIndices(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "PRG1", specs[0].Program)
}
