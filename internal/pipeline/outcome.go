package pipeline

// Outcome is the closed set of results for one processed item. Only the four
// types in this file implement it.
type Outcome interface {
	Status() Status
	sealed()
}

// Success carries the first candidate returned by the recognizer.
type Success struct {
	Title  string
	Artist string
	Score  float64
}

// NoMatch means the recognizer answered but found no music.
type NoMatch struct{}

// RecognitionFailed means the recognizer call failed or its response could not
// be parsed.
type RecognitionFailed struct {
	Err error
}

// PreprocessFailed means the media could not be trimmed or transcoded.
type PreprocessFailed struct {
	Err error
}

// Status implements Outcome.
func (Success) Status() Status { return StatusSuccess }

// Status implements Outcome.
func (NoMatch) Status() Status { return StatusNoMatch }

// Status implements Outcome.
func (RecognitionFailed) Status() Status { return StatusRecognitionFailed }

// Status implements Outcome.
func (PreprocessFailed) Status() Status { return StatusPreprocessFailed }

func (Success) sealed()           {}
func (NoMatch) sealed()           {}
func (RecognitionFailed) sealed() {}
func (PreprocessFailed) sealed()  {}

// Cause returns the underlying error of a failed outcome, or nil.
func Cause(o Outcome) error {
	switch v := o.(type) {
	case RecognitionFailed:
		return v.Err
	case PreprocessFailed:
		return v.Err
	case Success, NoMatch:
		return nil
	default:
		panic("pipeline: unknown outcome type")
	}
}
