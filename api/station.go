// Package api implements the HTTP surfaces of the three tiers: the
// voter-facing station API, the broker relay API and the central intake API,
// plus the local-only admin routers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/station"
	"github.com/suffragium/suffragium/types"
)

const maxRequestBodyLog = 512 // Maximum length of request body to log

// StationAPIConfig configures the voter-facing HTTP surface of a station.
type StationAPIConfig struct {
	Host      string
	Port      int
	AdminHost string
	AdminPort int
	Sender    *station.Sender
	Outbox    *station.Outbox
}

// StationAPI serves vote casting, ballot status queries and the confirmation
// callback address of one polling station.
type StationAPI struct {
	router      *chi.Mux
	adminRouter *chi.Mux
	sender      *station.Sender
	outbox      *station.Outbox
	server      *http.Server
	adminServer *http.Server
}

// NewStationAPI creates the station API and starts its HTTP server.
func NewStationAPI(conf *StationAPIConfig) (*StationAPI, error) {
	if conf == nil || conf.Sender == nil || conf.Outbox == nil {
		return nil, fmt.Errorf("missing station API configuration")
	}
	a := &StationAPI{
		sender: conf.Sender,
		outbox: conf.Outbox,
	}
	a.initRouter()
	a.server = serve(a.router, conf.Host, conf.Port, "station API")
	if conf.AdminPort != 0 {
		a.adminServer = serve(a.adminRouter, conf.AdminHost, conf.AdminPort, "station admin API")
	}
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *StationAPI) Router() *chi.Mux {
	return a.router
}

// AdminRouter returns the admin chi router for testing purposes
func (a *StationAPI) AdminRouter() *chi.Mux {
	return a.adminRouter
}

// Close shuts down the HTTP servers.
func (a *StationAPI) Close() error {
	if err := closeServer(a.server); err != nil {
		return err
	}
	return closeServer(a.adminServer)
}

func (a *StationAPI) initRouter() {
	a.router = newRouter()

	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, _ *http.Request) {
		httpWriteOK(w)
	})
	log.Infow("register handler", "endpoint", VotesEndpoint, "method", "POST")
	a.router.Post(VotesEndpoint, a.castVote)
	log.Infow("register handler", "endpoint", BallotStatusEndpoint, "method", "GET")
	a.router.Get(BallotStatusEndpoint, a.ballotStatus)
	log.Infow("register handler", "endpoint", ConfirmationsEndpoint, "method", "POST")
	a.router.Post(ConfirmationsEndpoint, a.confirmation)

	a.adminRouter = chi.NewRouter()
	a.adminRouter.Use(loggingMiddleware(maxRequestBodyLog))
	log.Infow("register handler", "endpoint", AdminPendingEndpoint, "method", "GET")
	a.adminRouter.Get(AdminPendingEndpoint, a.adminPending)
	log.Infow("register handler", "endpoint", AdminCompactEndpoint, "method", "POST")
	a.adminRouter.Post(AdminCompactEndpoint, a.adminCompact)
}

// adminPending dumps the still-unconfirmed outbox entries.
func (a *StationAPI) adminPending(w http.ResponseWriter, _ *http.Request) {
	entries, err := a.outbox.ScanUnconfirmed()
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	out := make([]PendingRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, PendingRecord{
			BallotID: e.BallotID,
			State:    types.BallotStateName(e.State),
			Attempts: e.Attempts,
		})
	}
	httpWriteJSON(w, out)
}

func (a *StationAPI) adminCompact(w http.ResponseWriter, _ *http.Request) {
	if err := a.outbox.Compact(); err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteOK(w)
}

// castVote handles POST /v1/votes. A ballotId in the response means the vote
// is durably recorded; delivery downstream is asynchronous.
func (a *StationAPI) castVote(w http.ResponseWriter, r *http.Request) {
	req := CastRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	if req.VoterID == "" || req.CandidateID == "" {
		ErrMalformedBody.With("voterId and candidateId are required").Write(w)
		return
	}
	ballotID, err := a.sender.Cast(req.CandidateID, req.VoterID)
	switch {
	case err == nil:
		httpWriteJSON(w, CastResponse{BallotID: ballotID})
	case errors.Is(err, station.ErrNotOnRoll):
		ErrVoterNotOnRoll.Write(w)
	case errors.Is(err, station.ErrAlreadyVoted):
		ErrVoterAlreadyVoted.Write(w)
	default:
		ErrPersistence.WithErr(err).Write(w)
	}
}

// ballotStatus handles GET /v1/ballots/{ballotId}.
func (a *StationAPI) ballotStatus(w http.ResponseWriter, r *http.Request) {
	ballotID, err := types.HexStringToHexBytes(chi.URLParam(r, BallotIDURLParam))
	if err != nil {
		ErrMalformedBallotID.Withf("could not decode ballot ID: %v", err).Write(w)
		return
	}
	state, err := a.sender.BallotState(ballotID)
	if err != nil {
		if station.IsNotFound(err) {
			ErrBallotNotFound.Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, BallotStatusResponse{
		BallotID: ballotID,
		State:    types.BallotStateName(state),
	})
}

// confirmation handles POST /v1/confirmations, the asynchronous confirm
// messages the broker posts back, keyed by ballotId.
func (a *StationAPI) confirmation(w http.ResponseWriter, r *http.Request) {
	confirm := types.Confirm{}
	if err := json.NewDecoder(r.Body).Decode(&confirm); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	if !types.ValidBallotID(confirm.BallotID) {
		ErrMalformedBallotID.Write(w)
		return
	}
	if err := a.sender.OnConfirm(&confirm); err != nil {
		if station.IsNotFound(err) {
			ErrBallotNotFound.Write(w)
			return
		}
		ErrUnknownConfirmState.WithErr(err).Write(w)
		return
	}
	httpWriteOK(w)
}

// newRouter creates a chi router with the shared middleware stack.
func newRouter() *chi.Mux {
	router := chi.NewRouter()
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	router.Use(loggingMiddleware(maxRequestBodyLog))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Throttle(100))
	router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	router.Use(middleware.Timeout(45 * time.Second))
	return router
}

// serve starts an HTTP server for a router in the background.
func serve(router *chi.Mux, host string, port int, name string) *http.Server {
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting HTTP server", "name", name, "host", host, "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start the %s server: %v", name, err)
		}
	}()
	return server
}

func closeServer(server *http.Server) error {
	if server == nil {
		return nil
	}
	return server.Close()
}
