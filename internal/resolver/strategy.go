package resolver

import "github.com/fieldsync/fieldsync/internal/syncmodel"

// Resolution is a strategy's verdict on a change whose base revision fell
// behind the server.
type Resolution int

const (
	// ResolutionConflict surfaces both payloads to the caller for resolution.
	ResolutionConflict Resolution = iota
	// ResolutionAcceptClient applies the client's change at a fresh revision.
	ResolutionAcceptClient
	// ResolutionKeepServer retires the client's change; the server state stands.
	ResolutionKeepServer
)

// Strategy decides how a behind-base change is resolved. The resolver's
// matching logic stays fixed; only the verdict on detected divergence varies.
type Strategy interface {
	Name() string
	Resolve(server syncmodel.EntityState, change syncmodel.ChangeRecord) Resolution
}

// ManualStrategy never auto-resolves: every divergence is reported as a
// conflict carrying both payloads. This is the default policy, so a later
// writer does not silently win.
type ManualStrategy struct{}

// Name identifies the strategy.
func (ManualStrategy) Name() string { return "manual" }

// Resolve always reports a conflict.
func (ManualStrategy) Resolve(syncmodel.EntityState, syncmodel.ChangeRecord) Resolution {
	return ResolutionConflict
}

// AutoMergeStrategy resolves divergence by comparing client wall-clock time
// against the server's last update. The client timestamp is an ordering hint
// only, which is exactly why this strategy is opt-in.
type AutoMergeStrategy struct{}

// Name identifies the strategy.
func (AutoMergeStrategy) Name() string { return "auto_merge" }

// Resolve accepts the client change when it is newer than the server state.
func (AutoMergeStrategy) Resolve(server syncmodel.EntityState, change syncmodel.ChangeRecord) Resolution {
	if change.ClientTimeSeconds > server.UpdatedAtSeconds {
		return ResolutionAcceptClient
	}
	return ResolutionKeepServer
}
