package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/suffragium/suffragium/broker"
	"github.com/suffragium/suffragium/log"
	"github.com/suffragium/suffragium/types"
)

// PriorityQueryParam selects the delivery priority of an offered ballot.
const PriorityQueryParam = "priority"

// BrokerAPIConfig configures the HTTP surfaces of a broker: the public
// relay endpoint and the local-only admin router.
type BrokerAPIConfig struct {
	Host      string
	Port      int
	AdminHost string
	AdminPort int
	Broker    *broker.Broker
	Log       *broker.Log
	Queue     *broker.Queue
	Breaker   *broker.CircuitBreaker
	Scheduler *broker.Scheduler
}

// BrokerAPI serves ballot acceptance from stations plus the operator admin
// surface.
type BrokerAPI struct {
	router      *chi.Mux
	adminRouter *chi.Mux
	conf        *BrokerAPIConfig
	server      *http.Server
	adminServer *http.Server
}

// NewBrokerAPI creates the broker API and starts its HTTP servers. The admin
// router binds separately, meant for a loopback-only address.
func NewBrokerAPI(conf *BrokerAPIConfig) (*BrokerAPI, error) {
	if conf == nil || conf.Broker == nil || conf.Log == nil || conf.Queue == nil {
		return nil, fmt.Errorf("missing broker API configuration")
	}
	a := &BrokerAPI{conf: conf}
	a.initRouter()
	a.server = serve(a.router, conf.Host, conf.Port, "broker API")
	if conf.AdminPort != 0 {
		a.adminServer = serve(a.adminRouter, conf.AdminHost, conf.AdminPort, "broker admin API")
	}
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *BrokerAPI) Router() *chi.Mux {
	return a.router
}

// AdminRouter returns the admin chi router for testing purposes
func (a *BrokerAPI) AdminRouter() *chi.Mux {
	return a.adminRouter
}

// Close shuts down the HTTP servers.
func (a *BrokerAPI) Close() error {
	if err := closeServer(a.server); err != nil {
		return err
	}
	return closeServer(a.adminServer)
}

func (a *BrokerAPI) initRouter() {
	a.router = newRouter()
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, _ *http.Request) {
		httpWriteOK(w)
	})
	log.Infow("register handler", "endpoint", BallotsEndpoint, "method", "POST")
	a.router.Post(BallotsEndpoint, a.receiveBallot)

	a.adminRouter = chi.NewRouter()
	a.adminRouter.Use(loggingMiddleware(maxRequestBodyLog))
	log.Infow("register handler", "endpoint", AdminPendingEndpoint, "method", "GET")
	a.adminRouter.Get(AdminPendingEndpoint, a.adminPending)
	log.Infow("register handler", "endpoint", AdminQuarantineEndpoint, "method", "GET")
	a.adminRouter.Get(AdminQuarantineEndpoint, a.adminQuarantine)
	log.Infow("register handler", "endpoint", AdminRetryEndpoint, "method", "POST")
	a.adminRouter.Post(AdminRetryEndpoint, a.adminRetry)
	log.Infow("register handler", "endpoint", AdminDrainEndpoint, "method", "POST")
	a.adminRouter.Post(AdminDrainEndpoint, a.adminDrain)
	log.Infow("register handler", "endpoint", AdminBreakerEndpoint, "method", "POST")
	a.adminRouter.Post(AdminBreakerEndpoint, a.adminBreakerReset)
	log.Infow("register handler", "endpoint", AdminCompactEndpoint, "method", "POST")
	a.adminRouter.Post(AdminCompactEndpoint, a.adminCompact)
}

// receiveBallot handles POST /v1/ballots from stations. The optional
// ?priority= query parameter selects the delivery priority.
func (a *BrokerAPI) receiveBallot(w http.ResponseWriter, r *http.Request) {
	offer := types.Offer{}
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	priority, err := parsePriority(r.URL.Query().Get(PriorityQueryParam))
	if err != nil {
		ErrMalformedParam.WithErr(err).Write(w)
		return
	}
	ack, err := a.conf.Broker.Accept(&offer, priority)
	switch {
	case err == nil:
		httpWriteJSON(w, ack)
	case errors.Is(err, broker.ErrInvalidOffer):
		ErrInvalidBallot.WithErr(err).Write(w)
	case errors.Is(err, broker.ErrQueueFull):
		ErrQueueSaturated.Write(w)
	default:
		ErrPersistence.WithErr(err).Write(w)
	}
}

func (a *BrokerAPI) adminPending(w http.ResponseWriter, _ *http.Request) {
	records, err := a.conf.Log.ListPending()
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, toPendingRecords(records))
}

func (a *BrokerAPI) adminQuarantine(w http.ResponseWriter, _ *http.Request) {
	records, err := a.conf.Log.ListQuarantined()
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, toPendingRecords(records))
}

func (a *BrokerAPI) adminRetry(w http.ResponseWriter, r *http.Request) {
	req := RetryRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	if a.conf.Scheduler == nil {
		ErrGenericInternalServerError.With("scheduler not running").Write(w)
		return
	}
	if err := a.conf.Scheduler.ForceRetry(req.BallotID); err != nil {
		if broker.IsNotFound(err) {
			ErrBallotNotFound.Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteOK(w)
}

func (a *BrokerAPI) adminDrain(w http.ResponseWriter, _ *http.Request) {
	drained := a.conf.Queue.Drain()
	log.Warnw("admin drained the broker queue", "items", len(drained))
	httpWriteJSON(w, map[string]int{"drained": len(drained)})
}

func (a *BrokerAPI) adminBreakerReset(w http.ResponseWriter, _ *http.Request) {
	a.conf.Breaker.Reset(broker.CentralDestination)
	log.Warnw("admin reset the destination breaker", "destination", broker.CentralDestination)
	httpWriteOK(w)
}

func (a *BrokerAPI) adminCompact(w http.ResponseWriter, _ *http.Request) {
	if err := a.conf.Log.Compact(); err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteOK(w)
}

func toPendingRecords(records []*broker.Record) []PendingRecord {
	out := make([]PendingRecord, 0, len(records))
	for _, r := range records {
		out = append(out, PendingRecord{
			BallotID:     r.BallotID,
			State:        types.BallotStateName(r.State),
			Priority:     types.PriorityName(r.Priority),
			Attempts:     r.Attempts,
			WaitAttempts: r.WaitAttempts,
			LastError:    r.LastError,
		})
	}
	return out
}

func parsePriority(s string) (int, error) {
	switch s {
	case "":
		return types.PriorityNormal, nil
	case "critical":
		return types.PriorityCritical, nil
	case "high":
		return types.PriorityHigh, nil
	case "normal":
		return types.PriorityNormal, nil
	case "low":
		return types.PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}
