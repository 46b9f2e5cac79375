// Package diagnosis phrases a classification result as the clinical message
// printed on the report.
package diagnosis

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/hypertensight/internal/classifier"
)

// DefaultAdvisoryThreshold is the confidence, in percent, at or below which a
// negative finding carries the follow-up advisory.
const DefaultAdvisoryThreshold = 85.0

var (
	// ErrUnrecognizedLabel is returned for labels other than diagnosed and healthy.
	ErrUnrecognizedLabel = errors.New("unrecognized classification label")
	// ErrConfidenceRange is returned for confidences outside [0, 100].
	ErrConfidenceRange = errors.New("confidence out of range")
)

const (
	positiveFormat = "Hypertensive Retinopathy detected with %s%% certainty."
	negativeFormat = "No Hypertensive Retinopathy detected with %s%% certainty."
	advisoryFormat = "No Hypertensive Retinopathy detected with %s%% certainty, but a closer examination and subsequent consultation is advised."
)

// Message is the diagnostic outcome of one classification.
type Message struct {
	Text       string
	Label      classifier.Label
	Confidence float64
	// Advisory is set when a negative finding recommends follow-up.
	Advisory bool
}

func (m Message) String() string { return m.Text }

// Interpreter applies the confidence threshold policy.
type Interpreter struct {
	advisoryThreshold float64
}

// NewInterpreter returns an interpreter using threshold. A non-positive
// threshold selects DefaultAdvisoryThreshold.
func NewInterpreter(threshold float64) *Interpreter {
	if threshold <= 0 {
		threshold = DefaultAdvisoryThreshold
	}
	return &Interpreter{advisoryThreshold: threshold}
}

// Interpret maps result to exactly one message.
func (i *Interpreter) Interpret(result classifier.Result) (Message, error) {
	c := result.Confidence
	if math.IsNaN(c) || c < 0 || c > 100 {
		return Message{}, fmt.Errorf("%w: %v", ErrConfidenceRange, c)
	}

	msg := Message{Label: result.Label, Confidence: c}
	pct := FormatConfidence(c)
	switch result.Label {
	case classifier.LabelDiagnosed:
		msg.Text = fmt.Sprintf(positiveFormat, pct)
	case classifier.LabelHealthy:
		if c > i.advisoryThreshold {
			msg.Text = fmt.Sprintf(negativeFormat, pct)
		} else {
			msg.Text = fmt.Sprintf(advisoryFormat, pct)
			msg.Advisory = true
		}
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnrecognizedLabel, result.Label)
	}
	return msg, nil
}

// FormatConfidence renders c in its shortest exact decimal form with at
// least one fractional digit: 90 becomes "90.0", 85.001 stays "85.001".
func FormatConfidence(c float64) string {
	s := strconv.FormatFloat(c, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
