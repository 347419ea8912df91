package api

// Route constants for the API endpoints of the three tiers.

const (
	// Health endpoints
	PingEndpoint = "/ping" // Health check endpoint

	// Ballot endpoints
	BallotIDURLParam     = "ballotId"                                    // URL parameter for ballot ID
	BallotsEndpoint      = "/v1/ballots"                                 // POST: Offer a ballot one hop downstream
	BallotStatusEndpoint = BallotsEndpoint + "/{" + BallotIDURLParam + "}" // GET: Delivery state of a ballot

	// Confirmation endpoint (receiver → sender, keyed by ballotId)
	ConfirmationsEndpoint = "/v1/confirmations" // POST: Asynchronous confirmation

	// Station voting endpoint (voter-facing)
	VotesEndpoint = "/v1/votes" // POST: Cast a vote

	// Central tally endpoint
	TallyEndpoint = "/v1/tally" // GET: Tally snapshot

	// Admin endpoints (local-only bind)
	AdminDrainEndpoint      = "/admin/queue/drain"   // POST: Drain the broker queue
	AdminBreakerEndpoint    = "/admin/breaker/reset" // POST: Reset the destination breaker
	AdminRetryEndpoint      = "/admin/retry"         // POST: Force-retry a quarantined ballot
	AdminPendingEndpoint    = "/admin/pending"       // GET: Dump pending records
	AdminQuarantineEndpoint = "/admin/quarantine"    // GET: List quarantined records
	AdminCompactEndpoint    = "/admin/compact"       // POST: Compact the durable store
	AdminCheckpointEndpoint = "/admin/checkpoint"    // POST: Force a tally checkpoint
)

// LogExcludedPrefixes defines URL prefixes to exclude from request logging
var LogExcludedPrefixes = []string{
	PingEndpoint,
}
