package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/suffragium/suffragium/api"
	"github.com/suffragium/suffragium/types"
)

func testOffer() *types.Offer {
	ballot := &types.Ballot{
		BallotID:    types.NewBallotID(),
		CandidateID: "C1",
		StationID:   "M01",
		Timestamp:   time.Now().UTC(),
	}
	ballot.IntegrityHash = ballot.ComputeIntegrityHash()
	return types.OfferFromBallot(ballot, "")
}

func TestBrokerClientTransmitBallot(t *testing.T) {
	c := qt.New(t)
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		offer := types.Offer{}
		c.Assert(json.NewDecoder(r.Body).Decode(&offer), qt.IsNil)
		c.Assert(json.NewEncoder(w).Encode(types.Ack{
			BallotID: offer.BallotID,
			Status:   types.ConfirmReceived,
		}), qt.IsNil)
	}))
	defer srv.Close()

	offer := testOffer()
	ack, err := NewBrokerClient(srv.URL).TransmitBallot(context.Background(), offer)
	c.Assert(err, qt.IsNil)
	c.Assert(ack.Status, qt.Equals, types.ConfirmReceived)
	c.Assert(ack.BallotID.String(), qt.Equals, offer.BallotID.String())
	c.Assert(gotPath, qt.Equals, api.BallotsEndpoint)
}

func TestClientAPIError(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		api.ErrQueueSaturated.Write(w)
	}))
	defer srv.Close()

	_, err := NewCentralClient(srv.URL).ReceiveBallot(context.Background(), testOffer())
	c.Assert(err, qt.IsNotNil)
	apiErr := &APIError{}
	c.Assert(err, qt.ErrorAs, &apiErr)
	c.Assert(apiErr.Status, qt.Equals, http.StatusServiceUnavailable)
	c.Assert(apiErr.Error(), qt.Contains, "delivery queue is full")
}

func TestClientHonorsContext(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect the client disconnect
		// and cancel the request context; otherwise Close deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewBrokerClient(srv.URL).TransmitBallot(ctx, testOffer())
	c.Assert(err, qt.IsNotNil)
}

func TestConfirmClient(t *testing.T) {
	c := qt.New(t)
	var got types.Confirm
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Assert(json.NewDecoder(r.Body).Decode(&got), qt.IsNil)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	confirm := &types.Confirm{
		BallotID: types.NewBallotID(),
		Status:   types.ConfirmProcessed,
	}
	err := NewConfirmClient().ConfirmReception(context.Background(), srv.URL+api.ConfirmationsEndpoint, confirm)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.ConfirmProcessed)
	c.Assert(got.BallotID.String(), qt.Equals, confirm.BallotID.String())

	// A refusal surfaces as an error.
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer refusing.Close()
	err = NewConfirmClient().ConfirmReception(context.Background(), refusing.URL, confirm)
	c.Assert(err, qt.IsNotNil)
}

func TestPing(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == api.PingEndpoint {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c.Assert(New(srv.URL).Ping(context.Background()), qt.IsNil)
	c.Assert(New(srv.URL+"/nope").Ping(context.Background()), qt.IsNotNil)
}
