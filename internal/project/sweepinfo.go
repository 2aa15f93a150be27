package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ProjectInfo names the project, crystal and dataset a sweep belongs to.
type ProjectInfo struct {
	PName string `json:"pname"`
	XName string `json:"xname"`
	DName string `json:"dname"`
}

// SweepInformation is what the scaler needs to know about one integrated
// sweep.
type SweepInformation struct {
	ProjectInfo ProjectInfo `json:"project_info"`
	SweepName   string      `json:"sweep_name"`
	Template    string      `json:"template"`
	// Batches is the first and last image, before any offset.
	Batches     [2]int  `json:"batches"`
	BatchOffset int     `json:"batch_offset"`
	Reflections string  `json:"reflections"`
	Experiments string  `json:"experiments,omitempty"`
	Resolution  float64 `json:"resolution,omitempty"`
}

// BatchRange returns the batches as they appear after rebatching.
func (si *SweepInformation) BatchRange() (int, int) {
	return si.Batches[0] + si.BatchOffset, si.Batches[1] + si.BatchOffset
}

// SweepInformationHandler indexes SweepInformation by epoch.
type SweepInformationHandler struct {
	info  map[int]*SweepInformation
	first int
}

// NewSweepInformationHandler takes ownership of sweeps.
func NewSweepInformationHandler(sweeps map[int]*SweepInformation) (*SweepInformationHandler, error) {
	if len(sweeps) == 0 {
		return nil, errors.New("project: no sweeps to scale")
	}
	h := &SweepInformationHandler{info: sweeps}
	h.first = h.Epochs()[0]
	return h, nil
}

// HandlerForCrystal collects the integrated sweeps of crystal. A sweep
// without an epoch is keyed by its position in the tree.
func HandlerForCrystal(p *XProject, c *XCrystal) (*SweepInformationHandler, error) {
	sweeps := map[int]*SweepInformation{}
	names := map[int]string{}
	position := 0
	for _, w := range c.Wavelengths {
		for _, s := range w.Sweeps {
			position++
			if s.Integration == nil {
				continue
			}
			epoch := s.Epoch
			if epoch == 0 {
				epoch = position
			}
			if other, dup := names[epoch]; dup {
				return nil, fmt.Errorf("project: sweeps %s and %s share epoch %d", other, s.Name, epoch)
			}
			names[epoch] = s.Name
			sweeps[epoch] = &SweepInformation{
				ProjectInfo: ProjectInfo{PName: p.Name, XName: c.Name, DName: w.Name},
				SweepName:   s.Name,
				Template:    s.Template,
				Batches:     s.Integration.Images,
				Reflections: s.Integration.Reflections,
				Experiments: s.Integration.Experiments,
				Resolution:  s.Integration.HighestResolution,
			}
		}
	}
	return NewSweepInformationHandler(sweeps)
}

// Epochs returns the epochs in increasing order.
func (h *SweepInformationHandler) Epochs() []int {
	epochs := make([]int, 0, len(h.info))
	for e := range h.info {
		epochs = append(epochs, e)
	}
	sort.Ints(epochs)
	return epochs
}

// SweepInformation returns the sweep recorded at epoch.
func (h *SweepInformationHandler) SweepInformation(epoch int) (*SweepInformation, bool) {
	si, ok := h.info[epoch]
	return si, ok
}

// RemoveEpoch forgets a sweep. The last sweep cannot be removed.
func (h *SweepInformationHandler) RemoveEpoch(epoch int) error {
	if _, ok := h.info[epoch]; !ok {
		return fmt.Errorf("project: no sweep at epoch %d", epoch)
	}
	if len(h.info) == 1 {
		return errors.New("project: cannot remove the only sweep")
	}
	delete(h.info, epoch)
	h.first = h.Epochs()[0]
	return nil
}

// ProjectInfo returns the project and crystal names shared by every sweep.
func (h *SweepInformationHandler) ProjectInfo() (pname, xname string, err error) {
	first := h.info[h.first].ProjectInfo
	for _, e := range h.Epochs() {
		pi := h.info[e].ProjectInfo
		if pi.PName != first.PName || pi.XName != first.XName {
			return "", "", fmt.Errorf("project: sweep %s belongs to %s/%s, not %s/%s",
				h.info[e].SweepName, pi.PName, pi.XName, first.PName, first.XName)
		}
	}
	return first.PName, first.XName, nil
}

// PowerOfTen returns the smallest power of ten greater than n.
func PowerOfTen(n int) int {
	result := 10
	for result <= n {
		result *= 10
	}
	return result
}

// AssignBatchOffsets gives each sweep, in epoch order, its own block of
// batch numbers so they stay distinct after the sweeps are combined. It
// returns the block size.
func (h *SweepInformationHandler) AssignBatchOffsets() int {
	widest := 0
	for _, si := range h.info {
		widest = max(widest, si.Batches[1]-si.Batches[0]+1)
	}
	block := PowerOfTen(widest)
	for counter, e := range h.Epochs() {
		si := h.info[e]
		si.BatchOffset = counter*block - si.Batches[0] + 1
	}
	return block
}

type handlerJSON struct {
	ID    string                    `json:"__id__"`
	Sweep map[int]*SweepInformation `json:"_sweep_information"`
}

const handlerID = "SweepInformationHandler"

// MarshalJSON implements json.Marshaler.
func (h *SweepInformationHandler) MarshalJSON() ([]byte, error) {
	return json.Marshal(handlerJSON{ID: handlerID, Sweep: h.info})
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *SweepInformationHandler) UnmarshalJSON(data []byte) error {
	var raw handlerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID != handlerID {
		return fmt.Errorf("project: expected %s, got %q", handlerID, raw.ID)
	}
	restored, err := NewSweepInformationHandler(raw.Sweep)
	if err != nil {
		return err
	}
	*h = *restored
	return nil
}
