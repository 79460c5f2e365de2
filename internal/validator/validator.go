// Package validator checks that predictions are in the expected target language.
package validator

import (
	"fmt"
	"strings"

	"github.com/valpere/gemmabn/internal"
	"github.com/valpere/gemmabn/internal/detector"
)

// minValidationLength is the minimum rune count required to attempt language detection.
// Shorter texts produce unreliable results and are accepted without validation.
const minValidationLength = 20

// Validator checks that a prediction is written in the expected target language.
// The underlying language detector is expensive to build; reuse the instance.
type Validator struct {
	det *detector.Detector
}

// NewWithDetector wraps an existing detector.
func NewWithDetector(det *detector.Detector) *Validator {
	return &Validator{det: det}
}

// IsValid returns true when text appears to be written in targetLang.
//
// Short texts (fewer than minValidationLength runes) and texts whose language
// cannot be determined pass without error. When the detected language differs
// from targetLang the returned error names both codes.
func (v *Validator) IsValid(text, targetLang string) (bool, error) {
	if targetLang == "" {
		return true, nil
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return false, fmt.Errorf("prediction is empty")
	}

	if len([]rune(text)) < minValidationLength {
		return true, nil
	}

	detected, ok := v.det.DetectISO(text)
	if !ok {
		return true, nil
	}

	if !strings.EqualFold(detected, targetLang) {
		return false, fmt.Errorf("expected %s but detected %s", targetLang, detected)
	}

	return true, nil
}

// LanguageReport summarizes how many predictions came out in the wrong language.
type LanguageReport struct {
	Checked int
	Wrong   int
	Skipped int
}

// Rate is the fraction of checked predictions in the wrong language.
func (r LanguageReport) Rate() float64 {
	if r.Checked == 0 {
		return 0
	}
	return float64(r.Wrong) / float64(r.Checked)
}

// Check validates every row whose status is ok. NO_MATCH and ERROR rows are
// counted as skipped.
func (v *Validator) Check(rows []internal.PredictionRecord, targetLang string) LanguageReport {
	var report LanguageReport
	for _, row := range rows {
		if row.Status != internal.StatusOK {
			report.Skipped++
			continue
		}
		report.Checked++
		if ok, _ := v.IsValid(row.Prediction, targetLang); !ok {
			report.Wrong++
		}
	}
	return report
}
