//go:build silero

package vad

// NewDefaultClassifier loads the Silero VAD v5 classifier configured by
// modelPath/libPath. Only built with -tags silero.
func NewDefaultClassifier(modelPath, libPath string, sampleRate int, threshold float64) (SpeechClassifier, error) {
	return NewSileroClassifier(modelPath, libPath, sampleRate, threshold)
}
