package models

// LayerStats is the read-side projection of one layer of a root's matrix.
type LayerStats struct {
	Layer                int     `json:"layer"`
	Occupied             int64   `json:"occupied"`
	LeftCount            int64   `json:"left_count"`
	MiddleCount          int64   `json:"middle_count"`
	RightCount           int64   `json:"right_count"`
	Capacity             int64   `json:"capacity"`
	FillPercentage       float64 `json:"fill_percentage"`
	ActiveCount          int64   `json:"active_count"`
	ActivationPercentage float64 `json:"activation_percentage"`
}

// LayerCapacity returns 3^layer.
func LayerCapacity(layer int) int64 {
	c := int64(1)
	for i := 0; i < layer; i++ {
		c *= 3
	}
	return c
}

// Finalize derives capacity and percentages from the raw counts.
func (s *LayerStats) Finalize() {
	s.Capacity = LayerCapacity(s.Layer)
	s.FillPercentage = 0
	s.ActivationPercentage = 0
	if s.Capacity > 0 {
		s.FillPercentage = float64(s.Occupied) / float64(s.Capacity) * 100
	}
	if s.Occupied > 0 {
		s.ActivationPercentage = float64(s.ActiveCount) / float64(s.Occupied) * 100
	}
}

// AddSlot bumps the per-slot and total occupancy counters.
func (s *LayerStats) AddSlot(slot Slot, delta int64) {
	s.Occupied += delta
	switch slot {
	case SlotL:
		s.LeftCount += delta
	case SlotM:
		s.MiddleCount += delta
	case SlotR:
		s.RightCount += delta
	}
}

// MatrixStats is the per-layer statistics of one root, layers 1..19 in order.
type MatrixStats struct {
	Root   string       `json:"root"`
	Layers []LayerStats `json:"layers"`
}

// NewMatrixStats returns zeroed statistics for all 19 layers.
func NewMatrixStats(root string) *MatrixStats {
	ms := &MatrixStats{Root: root, Layers: make([]LayerStats, MaxLevel)}
	for i := range ms.Layers {
		ms.Layers[i].Layer = i + 1
		ms.Layers[i].Finalize()
	}
	return ms
}

// Layer returns the stats of layer l (1-based), or nil.
func (m *MatrixStats) Layer(l int) *LayerStats {
	if l < 1 || l > len(m.Layers) {
		return nil
	}
	return &m.Layers[l-1]
}
