package forecast

// ModelResult is the outcome of one model: either Fitted or Excluded.
// Consumers switch on the concrete type.
type ModelResult interface {
	ModelName() string
	isModelResult()
}

// Fitted is a horizon-length prediction from one model.
type Fitted struct {
	Model      string
	Values     []float64
	Lower      []float64
	Upper      []float64
	Confidence float64
}

func (f Fitted) ModelName() string { return f.Model }
func (Fitted) isModelResult()      {}

// Excluded records why a model did not take part in the ensemble.
type Excluded struct {
	Model  string
	Reason string
	Err    error
}

func (e Excluded) ModelName() string { return e.Model }
func (Excluded) isModelResult()      {}
