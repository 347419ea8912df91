package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/suffragium/suffragium/central"
	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/types"
)

// CentralAPIConfig configures the HTTP surfaces of the central tier.
type CentralAPIConfig struct {
	Host      string
	Port      int
	AdminHost string
	AdminPort int
	Intake    *central.Intake
	Tally     *central.Tally
}

// CentralAPI serves ballot intake from brokers and the tally snapshot.
type CentralAPI struct {
	router      *chi.Mux
	adminRouter *chi.Mux
	intake      *central.Intake
	tally       *central.Tally
	server      *http.Server
	adminServer *http.Server
}

// NewCentralAPI creates the central API and starts its HTTP servers.
func NewCentralAPI(conf *CentralAPIConfig) (*CentralAPI, error) {
	if conf == nil || conf.Intake == nil || conf.Tally == nil {
		return nil, fmt.Errorf("missing central API configuration")
	}
	a := &CentralAPI{
		intake: conf.Intake,
		tally:  conf.Tally,
	}
	a.initRouter()
	a.server = serve(a.router, conf.Host, conf.Port, "central API")
	if conf.AdminPort != 0 {
		a.adminServer = serve(a.adminRouter, conf.AdminHost, conf.AdminPort, "central admin API")
	}
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *CentralAPI) Router() *chi.Mux {
	return a.router
}

// AdminRouter returns the admin chi router for testing purposes
func (a *CentralAPI) AdminRouter() *chi.Mux {
	return a.adminRouter
}

// Close shuts down the HTTP servers.
func (a *CentralAPI) Close() error {
	if err := closeServer(a.server); err != nil {
		return err
	}
	return closeServer(a.adminServer)
}

func (a *CentralAPI) initRouter() {
	a.router = newRouter()
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, _ *http.Request) {
		httpWriteOK(w)
	})
	log.Infow("register handler", "endpoint", BallotsEndpoint, "method", "POST")
	a.router.Post(BallotsEndpoint, a.receiveBallot)
	log.Infow("register handler", "endpoint", TallyEndpoint, "method", "GET")
	a.router.Get(TallyEndpoint, a.tallySnapshot)

	a.adminRouter = chi.NewRouter()
	a.adminRouter.Use(loggingMiddleware(maxRequestBodyLog))
	log.Infow("register handler", "endpoint", AdminCheckpointEndpoint, "method", "POST")
	a.adminRouter.Post(AdminCheckpointEndpoint, a.adminCheckpoint)
	log.Infow("register handler", "endpoint", AdminCompactEndpoint, "method", "POST")
	a.adminRouter.Post(AdminCompactEndpoint, a.adminCompact)
}

// receiveBallot handles POST /v1/ballots from brokers. The Ack carries the
// terminal dedup answer: PROCESSED or DUPLICATE.
func (a *CentralAPI) receiveBallot(w http.ResponseWriter, r *http.Request) {
	offer := types.Offer{}
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	ack, err := a.intake.Receive(r.Context(), &offer)
	if err != nil {
		ErrPersistence.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, ack)
}

// tallySnapshot handles GET /v1/tally.
func (a *CentralAPI) tallySnapshot(w http.ResponseWriter, _ *http.Request) {
	httpWriteJSON(w, TallyResponse{
		Counts:   a.tally.Snapshot(),
		Received: a.intake.Received(),
	})
}

func (a *CentralAPI) adminCheckpoint(w http.ResponseWriter, _ *http.Request) {
	if err := a.tally.Checkpoint(); err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteOK(w)
}

func (a *CentralAPI) adminCompact(w http.ResponseWriter, _ *http.Request) {
	if err := a.intake.Compact(); err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteOK(w)
}
