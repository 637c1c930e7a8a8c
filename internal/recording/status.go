package recording

import (
	"cmp"
	"slices"

	"github.com/fkirchmann/ProductionPilot/internal/opc"
	"github.com/fkirchmann/ProductionPilot/internal/types"
)

// ParameterStatus is the live state of a recorded parameter, for display.
type ParameterStatus struct {
	Parameter       types.Parameter
	Status          opc.StatusCode
	NodeType        opc.NodeType
	Bound           bool
	LastValue       *opc.MeasuredValue
	Updates         uint64
	Measurements    int64
	LastMeasurement *types.Measurement
}

// Status returns the state of one parameter. ok is false when the parameter is
// not being recorded.
func (r *Reconciler) Status(id types.ParameterID) (ParameterStatus, bool) {
	r.stateMu.RLock()
	rec, ok := r.recordings[id]
	var st ParameterStatus
	if ok {
		st = r.statusLocked(rec)
	}
	r.stateMu.RUnlock()
	return st, ok
}

// ListStatus returns the state of every recorded parameter, ordered by name.
func (r *Reconciler) ListStatus() []ParameterStatus {
	r.stateMu.RLock()
	out := make([]ParameterStatus, 0, len(r.recordings))
	for _, rec := range r.recordings {
		out = append(out, r.statusLocked(rec))
	}
	r.stateMu.RUnlock()

	slices.SortFunc(out, func(a, b ParameterStatus) int {
		return cmp.Or(cmp.Compare(a.Parameter.Name, b.Parameter.Name), cmp.Compare(a.Parameter.ID, b.Parameter.ID))
	})
	return out
}

// statusLocked requires r.stateMu.
func (r *Reconciler) statusLocked(rec *recording) ParameterStatus {
	st := ParameterStatus{
		Parameter:       rec.parameter(),
		Status:          opc.StatusBadUnexpectedError,
		NodeType:        opc.TypeUndetermined,
		Measurements:    rec.count.Load(),
		LastMeasurement: rec.lastMeasurement(),
	}
	if rec.item != nil {
		st.Status = rec.item.Status()
		st.NodeType = rec.item.Node().Type()
		st.Bound = rec.sub.Bound()
		st.LastValue = rec.item.LastValue()
		st.Updates = rec.item.Updates()
	}
	return st
}
