package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/chain-indexer/internal/testutil"
	"github.com/ethpandaops/chain-indexer/pkg/backfill"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store/storetest"
)

type fakeEnqueuer struct {
	ranges [][2]uint64
	err    error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, from, to uint64) (int, error) {
	if err := backfill.CheckRange(from, to); err != nil {
		return 0, err
	}

	if f.err != nil {
		return 0, f.err
	}

	f.ranges = append(f.ranges, [2]uint64{from, to})

	return len(backfill.Windows(from, to, 30)), nil
}

func newServer(t *testing.T, s *storetest.Store, enq RangeEnqueuer, requeue RequeueFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	NewHandler(testutil.NewLogger(), s, enq, requeue).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func TestHandler_Status(t *testing.T) {
	s := storetest.New()
	s.Seed(model.NewStage(model.PipelineBlocks, model.StatusImported), "0xa", "0xb")
	s.Seed(model.NewStage(model.PipelineBlocks, model.StatusIndexed), "0xc")

	srv := newServer(t, s, nil, nil)

	resp := get(t, srv.URL+"/api/v1/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[StatusResponse](t, resp)
	assert.Len(t, body.Pipelines, len(model.Pipelines()))
	assert.Equal(t, int64(2), body.Pipelines[model.PipelineBlocks][model.StatusImported])
	assert.Equal(t, int64(1), body.Pipelines[model.PipelineBlocks][model.StatusIndexed])

	resp = get(t, srv.URL+"/api/v1/status/blocks")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body = decode[StatusResponse](t, resp)
	assert.Len(t, body.Pipelines, 1)

	resp = get(t, srv.URL+"/api/v1/status/receipts")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "receipts", decode[ErrorResponse](t, resp).Pipeline)
}

func TestHandler_BlockProgress(t *testing.T) {
	s := storetest.New()
	srv := newServer(t, s, nil, nil)

	_, err := s.UpsertBlock(context.Background(), &model.Block{Hash: "0xab", Number: 7, TransactionCount: 1})
	require.NoError(t, err)

	_, err = s.InsertTransactions(context.Background(), []*model.Transaction{{Hash: "0x01", BlockHash: "0xab", Status: model.StatusIndexed}})
	require.NoError(t, err)

	resp := get(t, srv.URL+"/api/v1/blocks/0xAB")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	progress := decode[model.BlockProgress](t, resp)
	assert.Equal(t, uint64(7), progress.Number)
	assert.Equal(t, 1, progress.ImportedCount)
	assert.Equal(t, 1, progress.IndexedCount)

	resp = get(t, srv.URL+"/api/v1/blocks/0xff")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_EnqueueRange(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		err      error
		status   int
		enqueued int
	}{
		{name: "queued", path: "/1/100", status: http.StatusAccepted, enqueued: 4},
		{name: "inverted range", path: "/10/1", status: http.StatusBadRequest},
		{name: "bad number", path: "/one/10", status: http.StatusBadRequest},
		{name: "queue error", path: "/1/10", err: errors.New("redis down"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enq := &fakeEnqueuer{err: tt.err}
			srv := newServer(t, storetest.New(), enq, nil)

			resp := post(t, srv.URL+"/api/v1/backfill"+tt.path, "")
			require.Equal(t, tt.status, resp.StatusCode)

			if tt.enqueued > 0 {
				assert.Equal(t, tt.enqueued, decode[RangeResult](t, resp).Enqueued)
			}
		})
	}
}

func TestHandler_EnqueueRanges(t *testing.T) {
	enq := &fakeEnqueuer{}
	srv := newServer(t, storetest.New(), enq, nil)

	resp := post(t, srv.URL+"/api/v1/backfill", `{"ranges":[{"from":1,"to":30},{"from":9,"to":2}]}`)
	require.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	body := decode[BulkRangesResponse](t, resp)
	assert.Equal(t, "partial", body.Status)
	assert.Equal(t, 1, body.Summary.Queued)
	assert.Equal(t, 1, body.Summary.Failed)
	assert.Equal(t, "invalid", body.Results[1].Status)
	assert.Equal(t, [][2]uint64{{1, 30}}, enq.ranges)

	resp = post(t, srv.URL+"/api/v1/backfill", `{"ranges":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/v1/backfill", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ranges := make([]string, 0, maxBulkRanges+1)
	for i := range maxBulkRanges + 1 {
		ranges = append(ranges, fmt.Sprintf(`{"from":%d,"to":%d}`, i, i))
	}

	resp = post(t, srv.URL+"/api/v1/backfill", `{"ranges":[`+strings.Join(ranges, ",")+`]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHandler_DisabledRoutes(t *testing.T) {
	srv := newServer(t, storetest.New(), nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, post(t, srv.URL+"/api/v1/backfill/1/2", "").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, post(t, srv.URL+"/api/v1/backfill", `{"ranges":[]}`).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, post(t, srv.URL+"/api/v1/requeue", "").StatusCode)
}

func TestHandler_Requeue(t *testing.T) {
	stage := model.NewStage(model.PipelineTransactions, model.StatusImported)

	srv := newServer(t, storetest.New(), nil, func(context.Context) (map[model.Stage]int, error) {
		return map[model.Stage]int{stage: 12}, nil
	})

	resp := post(t, srv.URL+"/api/v1/requeue", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[RequeueResponse](t, resp)
	assert.Equal(t, 12, body.Stages[stage.String()])

	failing := newServer(t, storetest.New(), nil, func(context.Context) (map[model.Stage]int, error) {
		return nil, errors.New("scan failed")
	})

	assert.Equal(t, http.StatusInternalServerError, post(t, failing.URL+"/api/v1/requeue", "").StatusCode)
}
