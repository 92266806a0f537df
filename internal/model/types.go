package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultTopK is the number of classes serialized by Classifications.
const DefaultTopK = 5

// Metadata describes an exported ONNX model.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	// ApplySoftmax is set when the model outputs raw scores.
	ApplySoftmax bool `json:"apply_softmax"`
}

func (m *Metadata) validate() error {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.ImageSize == 0 {
		m.ImageSize = ImageWidth
	}
	if len(m.Classes) == 0 {
		return fmt.Errorf("classes must be set")
	}
	want := []int64{1, 3, int64(m.ImageSize), int64(m.ImageSize)}
	if len(m.InputShape) == 0 {
		m.InputShape = want
	} else if fmt.Sprint(m.InputShape) != fmt.Sprint(want) {
		return fmt.Errorf("input_shape %v does not match image_size %d, want %v", m.InputShape, m.ImageSize, want)
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
	var n int64 = 1
	for _, d := range m.OutputShape {
		n *= d
	}
	if n != int64(len(m.Classes)) {
		return fmt.Errorf("output_shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	return nil
}

// Classification is a class label with its probability.
type Classification struct {
	ClassName   string  `json:"className"`
	Probability float64 `json:"probability"`
}

// Classifications is a prediction ordered by probability, highest first.
type Classifications struct {
	items []Classification
}

// NewClassifications pairs class names with probabilities.
func NewClassifications(classNames []string, probabilities []float32) (*Classifications, error) {
	if len(classNames) != len(probabilities) {
		return nil, fmt.Errorf("%d class names for %d probabilities", len(classNames), len(probabilities))
	}
	if len(classNames) == 0 {
		return nil, fmt.Errorf("no classes")
	}
	items := make([]Classification, len(classNames))
	for i, name := range classNames {
		items[i] = Classification{ClassName: name, Probability: float64(probabilities[i])}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Probability > items[j].Probability
	})
	return &Classifications{items: items}, nil
}

// Items returns all classifications.
func (c *Classifications) Items() []Classification {
	return append([]Classification(nil), c.items...)
}

// Best returns the most probable classification.
func (c *Classifications) Best() Classification {
	return c.items[0]
}

// TopK returns the k most probable classifications.
func (c *Classifications) TopK(k int) []Classification {
	if k <= 0 || k > len(c.items) {
		k = len(c.items)
	}
	return append([]Classification(nil), c.items[:k]...)
}

// MarshalJSON encodes the top DefaultTopK classifications.
func (c *Classifications) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.TopK(DefaultTopK))
}
