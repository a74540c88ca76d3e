package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/sendtx/service/db"
	natspkg "github.com/brojonat/sendtx/service/nats"
	"github.com/brojonat/sendtx/service/solana"
	"github.com/brojonat/sendtx/service/temporal"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	store     *fakeStore
	sender    *fakeSender
	batches   *temporal.MockBatchRunner
	publisher *natspkg.MockPublisher
	handler   http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		store:     newFakeStore(),
		sender:    &fakeSender{},
		batches:   temporal.NewMockBatchRunner(),
		publisher: natspkg.NewMockPublisher(),
	}
	srv := New(":0", "devnet", ts.store, ts.sender, ts.batches, ts.publisher, ts.publisher, nil, testLogger())
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubmitTransaction_Confirmed(t *testing.T) {
	ts := newTestServer(t)
	encoded, sig := signedTx(t, "hello")
	ts.sender.result = &solana.SubmissionResult{Signature: sig, Slot: 777, Source: solana.SourceWebsocket}

	rec := ts.do("POST", "/api/v1/transactions", `{"transaction":"`+encoded+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeResponse(t, rec)
	assert.Equal(t, sig, body["signature"])
	assert.Equal(t, "devnet", body["network"])
	assert.Equal(t, db.StatusConfirmed, body["status"])
	assert.Equal(t, float64(777), body["slot"])
	assert.Equal(t, solana.SourceWebsocket, body["source"])

	require.Len(t, ts.sender.submitted, 1)

	sub, err := ts.store.GetSubmission(t.Context(), sig, "devnet")
	require.NoError(t, err)
	assert.Equal(t, db.StatusConfirmed, sub.Status)

	events := ts.publisher.GetPublishedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, sig, events[0].Signature)
	assert.Equal(t, db.StatusConfirmed, events[0].Status)
}

func TestSubmitTransaction_Failures(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedKind   string
		expectedState  string
		checkError     func(t *testing.T, msg string)
	}{
		{
			name:           "timeout",
			err:            solana.ErrTimeout,
			expectedStatus: http.StatusGatewayTimeout,
			expectedKind:   "timeout",
			expectedState:  db.StatusTimeout,
		},
		{
			name:           "simulation failure",
			err:            &solana.SimulationFailure{Signature: "x", Message: "Error: insufficient lamports"},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedKind:   "simulation_failure",
			expectedState:  db.StatusFailed,
			checkError: func(t *testing.T, msg string) {
				assert.Equal(t, "Error: insufficient lamports", msg)
			},
		},
		{
			name:           "raw failure",
			err:            &solana.RawFailure{Signature: "x", Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedKind:   "raw_failure",
			expectedState:  db.StatusFailed,
		},
		{
			name:           "network error",
			err:            errors.New("connection refused"),
			expectedStatus: http.StatusBadGateway,
			expectedKind:   "network_error",
			expectedState:  db.StatusFailed,
			checkError: func(t *testing.T, msg string) {
				assert.Contains(t, msg, "connection refused")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			encoded, sig := signedTx(t, tt.name)
			ts.sender.err = tt.err

			rec := ts.do("POST", "/api/v1/transactions", `{"transaction":"`+encoded+`","network":"devnet"}`)
			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())

			body := decodeResponse(t, rec)
			assert.Equal(t, sig, body["signature"])
			assert.Equal(t, tt.expectedState, body["status"])
			assert.Equal(t, tt.expectedKind, body["failure_kind"])
			assert.Nil(t, body["slot"])
			if tt.checkError != nil {
				msg, _ := body["error"].(string)
				tt.checkError(t, msg)
			}

			assert.Len(t, ts.publisher.GetPublishedEventsForStatus(tt.expectedState), 1)
		})
	}
}

func TestSubmitTransaction_PathologicalInput(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		expectedError string
	}{
		{
			name:          "extremely large request body",
			body:          `{"transaction":"` + strings.Repeat("A", 2<<20) + `"}`,
			expectedError: "request body too large",
		},
		{
			name:          "malformed JSON",
			body:          `{"transaction":`,
			expectedError: "invalid request body",
		},
		{
			name:          "missing transaction",
			body:          `{}`,
			expectedError: "transaction is required",
		},
		{
			name:          "not base64",
			body:          `{"transaction":"%%%"}`,
			expectedError: "transaction must be base64",
		},
		{
			name:          "not a transaction",
			body:          `{"transaction":"AAAA"}`,
			expectedError: "invalid transaction",
		},
		{
			name:          "other network",
			body:          `{"transaction":"AAAA","network":"mainnet"}`,
			expectedError: "invalid network",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			rec := ts.do("POST", "/api/v1/transactions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.expectedError)

			assert.Empty(t, ts.sender.submitted)
			assert.Equal(t, 0, ts.publisher.GetPublishedEventCount())
		})
	}
}

func TestSubmitTransaction_StoreFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.store.err = errors.New("database is down")
	encoded, _ := signedTx(t, "nope")

	rec := ts.do("POST", "/api/v1/transactions", `{"transaction":"`+encoded+`"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, ts.sender.submitted)
}

func TestSubmitTransaction_ClientDisconnectStillRecordsOutcome(t *testing.T) {
	ts := newTestServer(t)
	ts.sender.wait = 200 * time.Millisecond
	encoded, sig := signedTx(t, "hangup")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("POST", "/api/v1/transactions", strings.NewReader(`{"transaction":"`+encoded+`"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	time.AfterFunc(50*time.Millisecond, cancel)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	sub, err := ts.store.GetSubmission(context.Background(), sig, "devnet")
	require.NoError(t, err)
	assert.NotEqual(t, db.StatusPending, sub.Status)
	assert.Equal(t, db.StatusTimeout, sub.Status)
	assert.Equal(t, 1, ts.publisher.GetPublishedEventCount())
}

func TestSubmitTransaction_ConfirmedIsNotResubmitted(t *testing.T) {
	ts := newTestServer(t)
	encoded, sig := signedTx(t, "twice")
	ts.sender.result = &solana.SubmissionResult{Signature: sig, Slot: 12, Source: solana.SourceWebsocket}

	require.Equal(t, http.StatusOK, ts.do("POST", "/api/v1/transactions", `{"transaction":"`+encoded+`"}`).Code)

	// A second send of landed bytes would be rejected as already processed.
	ts.sender.result = nil
	ts.sender.err = errors.New("Transaction simulation failed: This transaction has already been processed")

	rec := ts.do("POST", "/api/v1/transactions", `{"transaction":"`+encoded+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Equal(t, db.StatusConfirmed, body["status"])
	assert.Equal(t, float64(12), body["slot"])
	assert.Len(t, ts.sender.submitted, 1)

	sub, err := ts.store.GetSubmission(context.Background(), sig, "devnet")
	require.NoError(t, err)
	assert.Equal(t, db.StatusConfirmed, sub.Status)
}

func TestGetSubmission(t *testing.T) {
	ts := newTestServer(t)
	encoded, sig := signedTx(t, "lookup")
	ts.sender.result = &solana.SubmissionResult{Signature: sig, Slot: 9, Source: solana.SourcePoll}

	rec := ts.do("POST", "/api/v1/transactions", `{"transaction":"`+encoded+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("found", func(t *testing.T) {
		rec := ts.do("GET", "/api/v1/transactions/"+sig, "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeResponse(t, rec)
		assert.Equal(t, sig, body["signature"])
		assert.Equal(t, solana.SourcePoll, body["source"])
	})

	t.Run("other network", func(t *testing.T) {
		rec := ts.do("GET", "/api/v1/transactions/"+sig+"?network=mainnet", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid characters", func(t *testing.T) {
		rec := ts.do("GET", "/api/v1/transactions/0OIl", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid signature format")
	})

	t.Run("too long", func(t *testing.T) {
		rec := ts.do("GET", "/api/v1/transactions/"+strings.Repeat("1", 101), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "signature too long")
	})
}

func TestListSubmissions(t *testing.T) {
	ts := newTestServer(t)

	ok, okSig := signedTx(t, "ok")
	ts.sender.result = &solana.SubmissionResult{Signature: okSig, Slot: 1, Source: solana.SourcePoll}
	require.Equal(t, http.StatusOK, ts.do("POST", "/api/v1/transactions", `{"transaction":"`+ok+`"}`).Code)

	bad, badSig := signedTx(t, "bad")
	ts.sender.result = nil
	ts.sender.err = solana.ErrTimeout
	require.Equal(t, http.StatusGatewayTimeout, ts.do("POST", "/api/v1/transactions", `{"transaction":"`+bad+`"}`).Code)

	t.Run("all", func(t *testing.T) {
		rec := ts.do("GET", "/api/v1/transactions", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeResponse(t, rec)
		assert.Equal(t, float64(2), body["count"])
		assert.Equal(t, float64(100), body["limit"])
		assert.Equal(t, float64(0), body["offset"])
	})

	t.Run("by status", func(t *testing.T) {
		rec := ts.do("GET", "/api/v1/transactions?status=timeout", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeResponse(t, rec)
		subs := body["submissions"].([]interface{})
		require.Len(t, subs, 1)
		assert.Equal(t, badSig, subs[0].(map[string]interface{})["signature"])
	})

	t.Run("invalid status", func(t *testing.T) {
		rec := ts.do("GET", "/api/v1/transactions?status=lost", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid pagination", func(t *testing.T) {
		for _, query := range []string{"limit=0", "limit=1001", "limit=ten", "offset=-1"} {
			rec := ts.do("GET", "/api/v1/transactions?"+query, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, query)
		}
	})

	t.Run("stats", func(t *testing.T) {
		rec := ts.do("GET", "/api/v1/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeResponse(t, rec)
		counts := body["counts"].(map[string]interface{})
		assert.Equal(t, float64(1), counts[db.StatusConfirmed])
		assert.Equal(t, float64(1), counts[db.StatusTimeout])
	})
}

func TestSimulate(t *testing.T) {
	ts := newTestServer(t)
	encoded, _ := signedTx(t, "dry run")

	units := uint64(1500)
	ts.sender.report = &solana.SimulationReport{
		Err:           map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}},
		Logs:          []string{"Program log: Error: nope"},
		UnitsConsumed: &units,
		Message:       "Error: nope",
	}

	rec := ts.do("POST", "/api/v1/simulate", `{"transaction":"`+encoded+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Equal(t, "Error: nope", body["message"])
	assert.Equal(t, float64(1500), body["units_consumed"])

	// Simulation is not a submission.
	assert.Empty(t, ts.sender.submitted)
	assert.Equal(t, 0, ts.publisher.GetPublishedEventCount())

	ts.sender.simErr = errors.New("rpc unavailable")
	rec = ts.do("POST", "/api/v1/simulate", `{"transaction":"`+encoded+`"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGetStatus(t *testing.T) {
	_, sig := signedTx(t, "status")

	t.Run("found with details", func(t *testing.T) {
		ts := newTestServer(t)
		confirmations := uint64(3)
		memo := "status"
		ts.sender.status = &solana.ConfirmationStatus{
			Slot:          55,
			Confirmations: &confirmations,
			Level:         rpc.ConfirmationStatusConfirmed,
		}
		ts.sender.details = &solana.TransactionDetails{Signature: sig, Slot: 55, Fee: 5000, Memo: &memo}

		rec := ts.do("GET", "/api/v1/status/"+sig+"?details=true", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeResponse(t, rec)
		assert.Equal(t, float64(55), body["slot"])
		assert.Equal(t, float64(3), body["confirmations"])
		assert.Equal(t, "confirmed", body["confirmation_status"])
		details := body["details"].(map[string]interface{})
		assert.Equal(t, "status", details["memo"])
	})

	t.Run("details not yet available", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sender.status = &solana.ConfirmationStatus{Slot: 56, Level: rpc.ConfirmationStatusProcessed}
		ts.sender.detailErr = solana.ErrTransactionNotFound

		rec := ts.do("GET", "/api/v1/status/"+sig+"?details=true", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeResponse(t, rec)
		assert.Nil(t, body["details"])
		assert.Nil(t, body["confirmations"])
	})

	t.Run("unknown signature", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do("GET", "/api/v1/status/"+sig, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("rpc failure", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sender.statusErr = errors.New("rpc unavailable")
		rec := ts.do("GET", "/api/v1/status/"+sig, "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("malformed signature", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do("GET", "/api/v1/status/abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStartBatch(t *testing.T) {
	first, _ := signedTx(t, "one")
	second, _ := signedTx(t, "two")

	t.Run("starts workflow", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do("POST", "/api/v1/batches", `{"transactions":["`+first+`","`+second+`"],"sequence":"sequential"}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		body := decodeResponse(t, rec)
		batchID := body["batch_id"].(string)
		assert.Equal(t, float64(2), body["count"])
		assert.Equal(t, "sequential", body["sequence"])

		input, ok := ts.batches.Batch(batchID)
		require.True(t, ok)
		assert.Equal(t, "devnet", input.Network)
		assert.Equal(t, "sequential", input.Sequence)
		assert.Len(t, input.Transactions, 2)

		rec = ts.do("GET", "/api/v1/batches/"+batchID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var result temporal.SendBatchResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, temporal.BatchRunning, result.Status)
		assert.Equal(t, 2, result.Total)
	})

	t.Run("defaults to parallel", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do("POST", "/api/v1/batches", `{"transactions":["`+first+`"]}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "parallel", decodeResponse(t, rec)["sequence"])
	})

	t.Run("invalid input", func(t *testing.T) {
		tests := []struct {
			name          string
			body          string
			expectedError string
		}{
			{"empty", `{"transactions":[]}`, "transactions is required"},
			{"bad sequence", `{"transactions":["` + first + `"],"sequence":"random"}`, "sequence"},
			{"bad member", `{"transactions":["` + first + `","AAAA"]}`, "transactions[1]"},
			{"other network", `{"transactions":["` + first + `"],"network":"testnet"}`, "invalid network"},
			{"too large", `{"transactions":[` + strings.TrimSuffix(strings.Repeat(`"`+first+`",`, 101), ",") + `]}`, "batch too large"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ts := newTestServer(t)
				rec := ts.do("POST", "/api/v1/batches", tt.body)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Contains(t, rec.Body.String(), tt.expectedError)
				assert.Equal(t, 0, ts.batches.BatchCount())
			})
		}
	})

	t.Run("workflow start failure", func(t *testing.T) {
		ts := newTestServer(t)
		ts.batches.SetStartError(errors.New("temporal unavailable"))
		rec := ts.do("POST", "/api/v1/batches", `{"transactions":["`+first+`"]}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("unknown batch", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do("GET", "/api/v1/batches/send-batch-missing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestOptionalRoutes(t *testing.T) {
	srv := New(":0", "devnet", newFakeStore(), &fakeSender{}, nil, nil, nil, nil, testLogger())
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/batches/send-batch-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/stream/submissions", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndCORS(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do("GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = ts.do("OPTIONS", "/api/v1/transactions", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}
