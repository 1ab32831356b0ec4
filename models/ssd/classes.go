package ssd

import (
	"github.com/pkg/errors"
)

// ErrUnknownLabelSet is returned for an unregistered label set name.
var ErrUnknownLabelSet = errors.New("ssd: unknown label set")

// LabelSetVOC names the Pascal VOC label set.
const LabelSetVOC = "voc"

// LabelSet maps class indices to names. Index 0 is always background.
type LabelSet struct {
	Name    string
	Classes []string
	index   map[string]int32
}

func newLabelSet(name string, classes ...string) *LabelSet {
	s := &LabelSet{Name: name, Classes: classes, index: make(map[string]int32, len(classes))}
	for i, c := range classes {
		s.index[c] = int32(i)
	}
	return s
}

// Len returns the number of classes, background included.
func (s *LabelSet) Len() int {
	return len(s.Classes)
}

// ClassName returns the name of class idx.
func (s *LabelSet) ClassName(idx int) (string, error) {
	if idx < 0 || idx >= len(s.Classes) {
		return "", errors.Errorf("class %d out of range for %s", idx, s.Name)
	}
	return s.Classes[idx], nil
}

// Index returns the class of name and whether it is known.
func (s *LabelSet) Index(name string) (int32, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Labels converts annotation names to class indices. Unknown names map to
// unannotated, which the encoder ignores when it is >= Len.
func (s *LabelSet) Labels(names []string, unannotated int32) []int32 {
	out := make([]int32, len(names))
	for i, n := range names {
		if idx, ok := s.index[n]; ok {
			out[i] = idx
		} else {
			out[i] = unannotated
		}
	}
	return out
}

var labelSets = map[string]*LabelSet{
	LabelSetVOC: newLabelSet(LabelSetVOC,
		"none",
		"aeroplane", "bicycle", "bird", "boat", "bottle",
		"bus", "car", "cat", "chair", "cow",
		"diningtable", "dog", "horse", "motorbike", "person",
		"pottedplant", "sheep", "sofa", "train", "tvmonitor",
	),
}

// LookupLabelSet returns a registered label set.
func LookupLabelSet(name string) (*LabelSet, error) {
	s, ok := labelSets[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownLabelSet, "%q", name)
	}
	return s, nil
}
