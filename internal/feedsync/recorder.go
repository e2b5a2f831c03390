package feedsync

// Recorder receives feed synchronisation events for metrics. Implementations
// must be safe for concurrent use.
type Recorder interface {
	PushDelivered()
	PushDropped(reason string)
	ParseFailed()
	PageLoaded(first bool, items int)
	PageFailed(first bool)
	StaleDiscarded(op string)
	MutationRolledBack(op string)
	PhaseChanged(phase Phase)
}

const (
	DropDuplicate = "duplicate"
	DropMissingID = "missing_id"
	DropMalformed = "malformed"
	DropStale     = "stale"
)

type noopRecorder struct{}

func (noopRecorder) PushDelivered()            {}
func (noopRecorder) PushDropped(string)        {}
func (noopRecorder) ParseFailed()              {}
func (noopRecorder) PageLoaded(bool, int)      {}
func (noopRecorder) PageFailed(bool)           {}
func (noopRecorder) StaleDiscarded(string)     {}
func (noopRecorder) MutationRolledBack(string) {}
func (noopRecorder) PhaseChanged(Phase)        {}
