package cnst

// Tracer names used across the services
const (
	// TraceCollab is the tracer name for the collaboration service
	TraceCollab = "collab/service"
	// TraceChange is the tracer name for change aggregation
	TraceChange = "collab/change"
)

// Common span names
const (
	SpanLease         = "collab.lease"
	SpanRelease       = "collab.release"
	SpanUpdate        = "collab.update"
	SpanExit          = "collab.exit"
	SpanOpen          = "collab.sse.open"
	SpanHandleChanges = "collab.changes.aggregate"
)

// Common attribute keys
const (
	AttrPage      = "collab.page"
	AttrSessionID = "collab.session_id"
	AttrLeasePath = "collab.lease_path"
	AttrEvents    = "collab.events"
	AttrPages     = "collab.pages"
)
