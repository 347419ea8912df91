package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/suffragium/suffragium/audit"
	"github.com/suffragium/suffragium/broker"
	"github.com/suffragium/suffragium/central"
	"github.com/suffragium/suffragium/db/metadb"
	"github.com/suffragium/suffragium/station"
	"github.com/suffragium/suffragium/types"
)

type fakeBrokerClient struct{}

func (f *fakeBrokerClient) TransmitBallot(_ context.Context, offer *types.Offer) (*types.Ack, error) {
	return &types.Ack{BallotID: offer.BallotID, Status: types.ConfirmReceived}, nil
}

func newTestAudit(t *testing.T) *audit.Log {
	t.Helper()
	auditLog, err := audit.OpenNoSync(filepath.Join(t.TempDir(), "audit.log"))
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { _ = auditLog.Close() })
	return auditLog
}

func newTestStationAPI(t *testing.T) (*StationAPI, *station.Outbox) {
	t.Helper()
	outbox := station.NewOutbox(metadb.NewTest(t), newTestAudit(t))
	roll := station.NewRoll([]string{"V001", "V002", "V003"}, nil)
	sender := station.NewSender(station.SenderConfig{
		StationID:  "M01",
		ConfirmURL: "http://127.0.0.1/v1/confirmations",
	}, roll, outbox, &fakeBrokerClient{})
	a := &StationAPI{sender: sender, outbox: outbox}
	a.initRouter()
	return a, outbox
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	qt.Assert(t, err, qt.IsNil)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func getPath(router http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) int {
	t.Helper()
	var apiErr struct {
		Code int `json:"code"`
	}
	qt.Assert(t, json.Unmarshal(rec.Body.Bytes(), &apiErr), qt.IsNil)
	return apiErr.Code
}

func TestStationAPICastVote(t *testing.T) {
	c := qt.New(t)
	a, _ := newTestStationAPI(t)

	rec := postJSON(t, a.Router(), VotesEndpoint, CastRequest{CandidateID: "C1", VoterID: "V001"})
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	resp := CastResponse{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &resp), qt.IsNil)
	c.Assert(types.ValidBallotID(resp.BallotID), qt.IsTrue)

	// Same voter again conflicts.
	rec = postJSON(t, a.Router(), VotesEndpoint, CastRequest{CandidateID: "C2", VoterID: "V001"})
	c.Assert(rec.Code, qt.Equals, http.StatusConflict)
	c.Assert(errorCode(t, rec), qt.Equals, ErrVoterAlreadyVoted.Code)

	// Unknown voter is refused.
	rec = postJSON(t, a.Router(), VotesEndpoint, CastRequest{CandidateID: "C1", VoterID: "V999"})
	c.Assert(rec.Code, qt.Equals, http.StatusForbidden)
	c.Assert(errorCode(t, rec), qt.Equals, ErrVoterNotOnRoll.Code)

	// Missing fields and broken bodies are bad requests.
	rec = postJSON(t, a.Router(), VotesEndpoint, CastRequest{CandidateID: "C1"})
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	req := httptest.NewRequest(http.MethodPost, VotesEndpoint, strings.NewReader("{broken"))
	raw := httptest.NewRecorder()
	a.Router().ServeHTTP(raw, req)
	c.Assert(raw.Code, qt.Equals, http.StatusBadRequest)
}

func TestStationAPIBallotStatus(t *testing.T) {
	c := qt.New(t)
	a, _ := newTestStationAPI(t)

	rec := postJSON(t, a.Router(), VotesEndpoint, CastRequest{CandidateID: "C1", VoterID: "V001"})
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	resp := CastResponse{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &resp), qt.IsNil)

	rec = getPath(a.Router(), BallotsEndpoint+"/"+resp.BallotID.String())
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	status := BallotStatusResponse{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &status), qt.IsNil)
	c.Assert(status.State, qt.Equals, types.BallotStateName(types.BallotStatePending))

	// Unknown and malformed identifiers.
	unknownID := types.NewBallotID()
	rec = getPath(a.Router(), BallotsEndpoint+"/"+unknownID.String())
	c.Assert(rec.Code, qt.Equals, http.StatusNotFound)
	rec = getPath(a.Router(), BallotsEndpoint+"/zzzz")
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
}

func TestStationAPIConfirmation(t *testing.T) {
	c := qt.New(t)
	a, outbox := newTestStationAPI(t)

	rec := postJSON(t, a.Router(), VotesEndpoint, CastRequest{CandidateID: "C1", VoterID: "V001"})
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	resp := CastResponse{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &resp), qt.IsNil)

	rec = postJSON(t, a.Router(), ConfirmationsEndpoint, types.Confirm{
		BallotID: resp.BallotID,
		Status:   types.ConfirmProcessed,
	})
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	entry, err := outbox.Entry(resp.BallotID)
	c.Assert(err, qt.IsNil)
	c.Assert(entry.State, qt.Equals, types.BallotStateConfirmed)

	// Confirmations for unknown ballots and with bogus statuses are refused.
	rec = postJSON(t, a.Router(), ConfirmationsEndpoint, types.Confirm{
		BallotID: types.NewBallotID(),
		Status:   types.ConfirmProcessed,
	})
	c.Assert(rec.Code, qt.Equals, http.StatusNotFound)
	rec = postJSON(t, a.Router(), ConfirmationsEndpoint, types.Confirm{
		BallotID: resp.BallotID,
		Status:   types.ConfirmStatus("NONSENSE"),
	})
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	rec = postJSON(t, a.Router(), ConfirmationsEndpoint, types.Confirm{
		BallotID: types.HexBytes{0x01},
		Status:   types.ConfirmProcessed,
	})
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
}

func TestStationAPIAdmin(t *testing.T) {
	c := qt.New(t)
	a, _ := newTestStationAPI(t)

	rec := postJSON(t, a.Router(), VotesEndpoint, CastRequest{CandidateID: "C1", VoterID: "V001"})
	c.Assert(rec.Code, qt.Equals, http.StatusOK)

	rec = getPath(a.AdminRouter(), AdminPendingEndpoint)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	pending := []PendingRecord{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &pending), qt.IsNil)
	c.Assert(pending, qt.HasLen, 1)
	c.Assert(pending[0].State, qt.Equals, types.BallotStateName(types.BallotStatePending))

	rec = postJSON(t, a.AdminRouter(), AdminCompactEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
}

func testOffer(stationID string) *types.Offer {
	ballot := &types.Ballot{
		BallotID:    types.NewBallotID(),
		CandidateID: "C1",
		StationID:   stationID,
		Timestamp:   time.Now().UTC(),
	}
	ballot.IntegrityHash = ballot.ComputeIntegrityHash()
	return types.OfferFromBallot(ballot, "http://127.0.0.1/v1/confirmations")
}

func newTestBrokerAPI(t *testing.T, capacity int) *BrokerAPI {
	t.Helper()
	auditLog := newTestAudit(t)
	blog := broker.NewLog(metadb.NewTest(t), auditLog)
	queue := broker.NewQueue(capacity)
	breaker := broker.NewCircuitBreaker(broker.DefaultBreakerParams(), auditLog)
	a := &BrokerAPI{conf: &BrokerAPIConfig{
		Broker:  broker.NewBroker(blog, queue, breaker),
		Log:     blog,
		Queue:   queue,
		Breaker: breaker,
	}}
	a.initRouter()
	return a
}

func TestBrokerAPIReceiveBallot(t *testing.T) {
	c := qt.New(t)
	a := newTestBrokerAPI(t, 8)

	offer := testOffer("M01")
	rec := postJSON(t, a.Router(), BallotsEndpoint+"?priority=high", offer)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	ack := types.Ack{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &ack), qt.IsNil)
	c.Assert(ack.Status, qt.Equals, types.ConfirmReceived)
	c.Assert(ack.BallotID.String(), qt.Equals, offer.BallotID.String())

	// Unknown priorities and tampered ballots are refused.
	rec = postJSON(t, a.Router(), BallotsEndpoint+"?priority=bogus", offer)
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(errorCode(t, rec), qt.Equals, ErrMalformedParam.Code)

	tampered := testOffer("M01")
	tampered.CandidateID = "C2" // hash no longer matches
	tampered.IntegrityHash = testOffer("M01").IntegrityHash
	rec = postJSON(t, a.Router(), BallotsEndpoint, tampered)
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(errorCode(t, rec), qt.Equals, ErrInvalidBallot.Code)
}

func TestBrokerAPIQueueSaturation(t *testing.T) {
	c := qt.New(t)
	a := newTestBrokerAPI(t, 1)

	rec := postJSON(t, a.Router(), BallotsEndpoint, testOffer("M01"))
	c.Assert(rec.Code, qt.Equals, http.StatusOK)

	// The queue is full: the next offer is refused with 503 and leaves no
	// durable trace.
	refused := testOffer("M01")
	rec = postJSON(t, a.Router(), BallotsEndpoint, refused)
	c.Assert(rec.Code, qt.Equals, http.StatusServiceUnavailable)
	c.Assert(errorCode(t, rec), qt.Equals, ErrQueueSaturated.Code)
	_, err := a.conf.Log.Get(refused.BallotID)
	c.Assert(broker.IsNotFound(err), qt.IsTrue)
}

func TestBrokerAPIAdmin(t *testing.T) {
	c := qt.New(t)
	a := newTestBrokerAPI(t, 8)

	rec := postJSON(t, a.Router(), BallotsEndpoint, testOffer("M01"))
	c.Assert(rec.Code, qt.Equals, http.StatusOK)

	rec = getPath(a.AdminRouter(), AdminPendingEndpoint)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	pending := []PendingRecord{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &pending), qt.IsNil)
	c.Assert(pending, qt.HasLen, 1)

	rec = getPath(a.AdminRouter(), AdminQuarantineEndpoint)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	quarantined := []PendingRecord{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &quarantined), qt.IsNil)
	c.Assert(quarantined, qt.HasLen, 0)

	rec = postJSON(t, a.AdminRouter(), AdminDrainEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	drained := map[string]int{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &drained), qt.IsNil)
	c.Assert(drained["drained"], qt.Equals, 1)

	rec = postJSON(t, a.AdminRouter(), AdminBreakerEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)

	// Force-retry without a running scheduler answers 500, not a panic.
	rec = postJSON(t, a.AdminRouter(), AdminRetryEndpoint, RetryRequest{BallotID: types.NewBallotID()})
	c.Assert(rec.Code, qt.Equals, http.StatusInternalServerError)
}

func newTestCentralAPI(t *testing.T) *CentralAPI {
	t.Helper()
	database := metadb.NewTest(t)
	tally := central.NewTally(central.TallyConfig{
		MaxApplies:  4,
		MaxInterval: 50 * time.Millisecond,
	}, database)
	intake, err := central.NewIntake(database, tally, newTestAudit(t))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, intake.Replay(), qt.IsNil)
	tally.Start(context.Background())
	t.Cleanup(tally.Stop)
	a := &CentralAPI{intake: intake, tally: tally}
	a.initRouter()
	return a
}

func TestCentralAPIReceiveAndTally(t *testing.T) {
	c := qt.New(t)
	a := newTestCentralAPI(t)

	offer := testOffer("M01")
	rec := postJSON(t, a.Router(), BallotsEndpoint, offer)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	ack := types.Ack{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &ack), qt.IsNil)
	c.Assert(ack.Status, qt.Equals, types.ConfirmProcessed)

	// Redelivery answers DUPLICATE, the count stays at one.
	rec = postJSON(t, a.Router(), BallotsEndpoint, offer)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &ack), qt.IsNil)
	c.Assert(ack.Status, qt.Equals, types.ConfirmDuplicate)

	rec = getPath(a.Router(), TallyEndpoint)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	tally := TallyResponse{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &tally), qt.IsNil)
	c.Assert(tally.Counts["C1"], qt.Equals, uint64(1))
	c.Assert(tally.Received, qt.Equals, uint64(1))

	// A tampered ballot is permanently refused in the Ack.
	tampered := testOffer("M01")
	tampered.IntegrityHash = types.HexBytes{0xde, 0xad}
	rec = postJSON(t, a.Router(), BallotsEndpoint, tampered)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &ack), qt.IsNil)
	c.Assert(ack.Status, qt.Equals, types.ConfirmPermanentError)
}

func TestCentralAPIAdmin(t *testing.T) {
	c := qt.New(t)
	a := newTestCentralAPI(t)

	rec := postJSON(t, a.Router(), BallotsEndpoint, testOffer("M01"))
	c.Assert(rec.Code, qt.Equals, http.StatusOK)

	rec = postJSON(t, a.AdminRouter(), AdminCheckpointEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	rec = postJSON(t, a.AdminRouter(), AdminCompactEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
}
