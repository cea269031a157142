package models

import (
	"strconv"

	"github.com/pkg/errors"
)

// OutputClass represents one model output label.
type OutputClass struct {
	// The integer index returned by the model.
	Index int
	// The human-readable label.
	Name string
}

// OutputClassSet ties a family to its full list of labels.
type OutputClassSet struct {
	// Class set identifier.
	Style ModelFamily
	// Classes that are supported and mappable.
	Classes []OutputClass
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

// BuildNameIndexMap builds or rebuilds the name->index map.
func (s *OutputClassSet) BuildNameIndexMap() {
	s.nameToIdx = make(map[string]int, len(s.Classes))
	for _, c := range s.Classes {
		s.nameToIdx[c.Name] = c.Index
	}
}

// Len returns the number of classes.
func (s *OutputClassSet) Len() int { return len(s.Classes) }

// Name returns the label at idx, or "class_<idx>" when out of range so a
// detector with more outputs than labels still produces usable names.
func (s *OutputClassSet) Name(idx int) string {
	if idx >= 0 && idx < len(s.Classes) {
		return s.Classes[idx].Name
	}
	return "class_" + strconv.Itoa(idx)
}

// Names returns every label in index order.
func (s *OutputClassSet) Names() []string {
	out := make([]string, len(s.Classes))
	for i, c := range s.Classes {
		out[i] = c.Name
	}
	return out
}

// NewOutputClassSet builds a set from labels in index order.
func NewOutputClassSet(style ModelFamily, names []string) *OutputClassSet {
	set := &OutputClassSet{Style: style, Classes: make([]OutputClass, len(names))}
	for i, n := range names {
		set.Classes[i] = OutputClass{Index: i, Name: n}
	}
	set.BuildNameIndexMap()
	return set
}

// ClassManager holds all registered class sets.
type ClassManager struct {
	sets map[ModelFamily]*OutputClassSet
}

// NewClassManager initializes and registers the given sets.
func NewClassManager(allSets ...*OutputClassSet) *ClassManager {
	mgr := &ClassManager{sets: make(map[ModelFamily]*OutputClassSet)}
	for _, set := range allSets {
		set.BuildNameIndexMap()
		mgr.sets[set.Style] = set
	}
	return mgr
}

// Set returns the class set registered for style.
func (m *ClassManager) Set(style ModelFamily) (*OutputClassSet, error) {
	set, ok := m.sets[style]
	if !ok {
		return nil, errors.Errorf("style %q not registered", style)
	}
	return set, nil
}

// GetIndex returns the class index for a given style and name.
func (m *ClassManager) GetIndex(style ModelFamily, name string) (int, error) {
	set, err := m.Set(style)
	if err != nil {
		return -1, err
	}
	idx, ok := set.nameToIdx[name]
	if !ok {
		return -1, errors.Errorf("name %q not found in style %q", name, style)
	}
	return idx, nil
}

// COCOClasses is the full 80 COCO classes plus "__background__" at index 0.
var COCOClasses = OutputClassSet{
	Style: ModelFamilyCOCO,
	Classes: []OutputClass{
		{0, "__background__"},
		{1, "person"},
		{2, "bicycle"},
		{3, "car"},
		{4, "motorcycle"},
		{5, "airplane"},
		{6, "bus"},
		{7, "train"},
		{8, "truck"},
		{9, "boat"},
		{10, "traffic light"},
		{11, "fire hydrant"},
		{12, "stop sign"},
		{13, "parking meter"},
		{14, "bench"},
		{15, "bird"},
		{16, "cat"},
		{17, "dog"},
		{18, "horse"},
		{19, "sheep"},
		{20, "cow"},
		{21, "elephant"},
		{22, "bear"},
		{23, "zebra"},
		{24, "giraffe"},
		{25, "backpack"},
		{26, "umbrella"},
		{27, "handbag"},
		{28, "tie"},
		{29, "suitcase"},
		{30, "frisbee"},
		{31, "skis"},
		{32, "snowboard"},
		{33, "sports ball"},
		{34, "kite"},
		{35, "baseball bat"},
		{36, "baseball glove"},
		{37, "skateboard"},
		{38, "surfboard"},
		{39, "tennis racket"},
		{40, "bottle"},
		{41, "wine glass"},
		{42, "cup"},
		{43, "fork"},
		{44, "knife"},
		{45, "spoon"},
		{46, "bowl"},
		{47, "banana"},
		{48, "apple"},
		{49, "sandwich"},
		{50, "orange"},
		{51, "broccoli"},
		{52, "carrot"},
		{53, "hot dog"},
		{54, "pizza"},
		{55, "donut"},
		{56, "cake"},
		{57, "chair"},
		{58, "couch"},
		{59, "potted plant"},
		{60, "bed"},
		{61, "dining table"},
		{62, "toilet"},
		{63, "tv"},
		{64, "laptop"},
		{65, "mouse"},
		{66, "remote"},
		{67, "keyboard"},
		{68, "cell phone"},
		{69, "microwave"},
		{70, "oven"},
		{71, "toaster"},
		{72, "sink"},
		{73, "refrigerator"},
		{74, "book"},
		{75, "clock"},
		{76, "vase"},
		{77, "scissors"},
		{78, "teddy bear"},
		{79, "hair drier"},
		{80, "toothbrush"},
	},
}

// YOLOClasses is the 80 COCO classes (no background).
// YOLO models index directly into this zero-based list; "dog" is 16.
var YOLOClasses = OutputClassSet{
	Style: ModelFamilyYOLO,
	Classes: func() []OutputClass {
		classes := make([]OutputClass, len(COCOClasses.Classes)-1) // drop background
		for i := 1; i < len(COCOClasses.Classes); i++ {
			classes[i-1] = OutputClass{i - 1, COCOClasses.Classes[i].Name}
		}
		return classes
	}(),
}

// SpeciesClasses are the outputs of the breed classifier.
var SpeciesClasses = OutputClassSet{
	Style: ModelFamilySpecies,
	Classes: []OutputClass{
		{0, "maltese"},
		{1, "shiba_inu"},
		{2, "golden_retriever"},
	},
}

// NoseFeatureClasses are the independent outputs of the nose attribute
// classifier.
var NoseFeatureClasses = OutputClassSet{
	Style: ModelFamilyNoseFeatures,
	Classes: []OutputClass{
		{0, "dark_skin"},
		{1, "large_nostril"},
		{2, "right_scar"},
		{3, "pink_tone"},
		{4, "triangular"},
	},
}

// DefaultClassManager registers every built-in set.
func DefaultClassManager() *ClassManager {
	coco, yolo, species, nose := COCOClasses, YOLOClasses, SpeciesClasses, NoseFeatureClasses
	return NewClassManager(&coco, &yolo, &species, &nose)
}
