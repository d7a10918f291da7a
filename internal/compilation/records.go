package compilation

// Records carry state across builds so incremental output stays stable. The
// module id table is the important part: a module keeps its id for as long
// as the records survive, so unchanged modules produce unchanged output.
type Records struct {
	ModuleIDs map[string]int `json:"moduleIds"`
	NextID    int            `json:"nextId"`
}

// NewRecords returns empty records.
func NewRecords() *Records {
	return &Records{ModuleIDs: make(map[string]int)}
}

// IDFor returns the stable id for a module identifier, assigning the next
// free id on first sight.
func (r *Records) IDFor(identifier string) int {
	if r.ModuleIDs == nil {
		r.ModuleIDs = make(map[string]int)
	}
	if id, ok := r.ModuleIDs[identifier]; ok {
		return id
	}
	id := r.NextID
	r.NextID++
	r.ModuleIDs[identifier] = id
	return id
}
